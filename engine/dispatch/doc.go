// Package dispatch is the access boundary in front of the engine: a method
// dispatcher exposing every validation, recommendation, enhancement, workflow
// and admin operation as a typed request/response pair, plus a string-keyed
// registry for transports that carry method names on the wire. A caller guard
// inspects the calling package on each typed method and, depending on
// configuration, warns about or blocks packages outside the allow-list;
// requests arriving through Call are always admitted. The dispatcher also
// owns the maintenance-mode switch, per-method metrics and the response
// cache for repeated read operations.
package dispatch
