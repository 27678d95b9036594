// Package mcpserver exposes the judge as Model Context Protocol tools.
//
// Tools:
//
//	execute_tests   run code against test cases, returns verdicts and a score
//	run_code        run code once with stdin, returns raw output
//	list_languages  supported language identifiers
//
// Request-level failures (full pool, missing image, bad arguments) come back as tool
// results with IsError set and a JSON body carrying the error kind.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, judgeService)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.ServeStdio(ctx) // or mount srv.HTTPHandler()
package mcpserver
