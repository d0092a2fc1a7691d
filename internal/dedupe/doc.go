// Package dedupe tracks recently claimed keys with a TTL so a retried
// request can be matched to the work its first attempt started.
package dedupe
