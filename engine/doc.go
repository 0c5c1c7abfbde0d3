// Package engine maps method names to registered handlers and turns handler
// outcomes into terminal envelopes. It implements worker.Router: the worker
// owns transport and sequencing, the engine owns dispatch.
//
// A handler's capability is fixed at registration time: a HandlerFunc
// receives the full Call context, while Typed wraps a function whose
// parameters are decoded into a fixed record before invocation. Handler
// failures never escape dispatch; they are resolved through the error
// taxonomy into error envelopes, with internalError as the fallback code.
//
// The engine pre-registers ping, shutdown, and describe. All built-ins may
// be overridden by re-registering the method name.
package engine
