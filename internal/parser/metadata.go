package parser

import "strings"

// Metadata log grammar: the program emits key-value lines of the form
// "Program log: name: <value>" (likewise symbol, uri) during creation.
// Used when the borsh event payload is absent or undecodable.

type logMetadata struct {
	Name   *string
	Symbol *string
	URI    *string
}

// parseMetadataLogs scans log lines for metadata key-value tokens. Values
// are trimmed; empty values are treated as absent. First occurrence wins.
func parseMetadataLogs(logs []string) logMetadata {
	var md logMetadata
	for _, line := range logs {
		rest, ok := strings.CutPrefix(line, programLogPrefix)
		if !ok {
			continue
		}
		switch {
		case md.Name == nil && strings.HasPrefix(rest, "name:"):
			md.Name = metadataValue(rest, "name:")
		case md.Symbol == nil && strings.HasPrefix(rest, "symbol:"):
			md.Symbol = metadataValue(rest, "symbol:")
		case md.URI == nil && strings.HasPrefix(rest, "uri:"):
			md.URI = metadataValue(rest, "uri:")
		}
	}
	return md
}

func metadataValue(line, key string) *string {
	v := strings.TrimSpace(strings.TrimPrefix(line, key))
	if v == "" {
		return nil
	}
	return &v
}
