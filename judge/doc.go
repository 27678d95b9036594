// Package judge turns execution requests into scored results.
//
// A Service validates a request, leases one sandbox instance from the pool, compiles the
// submission once and runs it against each test case in order. Problems with the submitted
// code come back as per-test verdicts; only admission, image and infrastructure failures
// are returned as errors. An instance that hit a timeout is never handed to another request.
package judge
