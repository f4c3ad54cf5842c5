// Package openpanel is the Go client for the OpenPanel analytics collector.
//
// The Client accepts tracking calls from host code and returns immediately.
// Every call is processed later, in submission order, by a single worker that
// owns all client state:
//  1. Configuration - replaced wholesale by Configure
//  2. Profile - set by Identify, cleared by Clear
//  3. Global properties - merged into every track and identify payload
//  4. Pending queue - events held while waiting for a profile
//
// Deliveries leave the worker on a separate ordered lane and are retried on
// transport failures. Failures are logged only; callers never see them.
package openpanel

const (
	// SDKName is sent in the openpanel-sdk-name header.
	SDKName = "go"
	// SDKVersion is sent in the openpanel-sdk-version header and the user agent.
	SDKVersion = "0.1.0"

	// DefaultAPIURL is the hosted collector.
	DefaultAPIURL = "https://api.openpanel.dev"

	trackPath = "/track"
)

// Reserved global property keys filled from device info.
const (
	KeyBrand     = "__brand"
	KeyDevice    = "__device"
	KeyOS        = "__os"
	KeyOSVersion = "__osVersion"
	KeyModel     = "__model"
)

// Request headers.
const (
	HeaderClientID     = "openpanel-client-id"
	HeaderClientSecret = "openpanel-client-secret"
	HeaderSDKName      = "openpanel-sdk-name"
	HeaderSDKVersion   = "openpanel-sdk-version"
	HeaderUserAgent    = "user-agent"
)
