// Package app wires the license service together: configuration, logging,
// OpenTelemetry, the license store and session manager, the audit event hub
// and the HTTP server. Every component is constructed here and handed its
// dependencies explicitly; nothing reaches for globals at call time.
//
// The typical entry point:
//
//	application, err := app.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
package app
