// Package radius is an asynchronous RADIUS client for Access-Requests.
//
// A Client owns one UDP socket and an eventloop.Loop. Outstanding requests are
// keyed by their one-byte identifier, drawn at random from a pool of 256;
// callers beyond that queue for a free identifier. Each unanswered attempt is
// resent after RetryWait to the next server in the EndpointSet until the
// RetryScheduler runs out, at which point the request fails with a
// retries-exhausted error.
//
// Responses are accepted only from a configured server, for an outstanding
// identifier, with a valid Response Authenticator and, when present, a valid
// Message-Authenticator. Anything else is logged and dropped while the
// request keeps waiting.
//
// Relay forwards a request received from a downstream NAS and returns the
// upstream answer re-addressed to that NAS; EncodeResponse serializes it.
package radius
