/*
Package client provides a Go client for the crrmon HTTP API.

The CLI uses it for every command that works against a running daemon:

	c, err := client.NewClient("127.0.0.1:9090")
	res, err := c.RegisterRule(ctx, registration.RuleSpec{
		SourceBucket:      "photos",
		DestinationBucket: "photos-replica",
		SLAWindowSeconds:  3600,
	})

Non-success responses are returned as *APIError. A rule the daemon
rejects is not an error: RegisterRule returns a Result with Accepted set to
false and the rejection reason.
*/
package client
