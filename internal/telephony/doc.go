// Package telephony implements the REST client for the telephony provider's
// call-control API (origination, status, hangup) and the call-control markup
// returned to the provider when a call connects. It handles form-encoded
// requests with basic auth and retries retryable failures with exponential
// backoff.
package telephony
