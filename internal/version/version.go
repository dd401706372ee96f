package version

// Current is the release version, reported by `enricher version` and sent as the MCP
// client version.
const Current = "0.1.0"
