// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works in
// installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// CampaignManifestSchema is the embedded campaign-manifest JSON schema.
//
//go:embed campaign-manifest.schema.json
var CampaignManifestSchema []byte
