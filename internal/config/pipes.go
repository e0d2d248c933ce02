// Pipes configuration re-exports.
//
// DESIGN: Compression configuration is defined in internal/pipes/config.go.
// This file re-exports those types for use by the main Config struct.
// This keeps pipe configuration close to pipe implementation while allowing
// the config package to use the types without circular imports.
package config

import "github.com/stegollm/stego-gateway/internal/pipes"

// =============================================================================
// RE-EXPORTS FROM pipes PACKAGE
// =============================================================================

// CompressionConfig is an alias for pipes.Config for use in main Config struct.
type CompressionConfig = pipes.Config

// CompressionThreshold type alias - re-exported from pipes package.
type CompressionThreshold = pipes.CompressionThreshold

// DefaultThreshold - re-exported from pipes package.
const DefaultThreshold = pipes.DefaultThreshold

// ParseCompressionThreshold - re-exported from pipes package.
var ParseCompressionThreshold = pipes.ParseCompressionThreshold
