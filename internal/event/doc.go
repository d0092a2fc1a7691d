// Package event defines the normalized event stream shared by every stage of
// the relay: the upstream classifier produces it, the pacing governor and the
// stream registry carry it, and the HTTP layer serializes it as SSE.
package event
