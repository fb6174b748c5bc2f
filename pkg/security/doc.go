// Package security gates module registration: it validates declared
// dependencies against what the registry knows, detects dependency cycles,
// and statically scans packaged source for restricted imports and
// dangerous calls. Critical and high findings reject the package; medium
// and low findings are advisory and stored with the validation summary.
package security
