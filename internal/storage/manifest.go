package storage

import (
	"fmt"
	"sort"
	"strings"
)

// ManifestEntry represents a single file in a manifest.
type ManifestEntry struct {
	Digest Digest
	Path   string
}

// Manifest lists the files of a job with their content digests.
type Manifest struct {
	Entries []ManifestEntry
}

// JobManifest builds the manifest of the stored outputs of job.
func JobManifest(job *JobRecord) *Manifest {
	m := &Manifest{}
	for _, o := range job.Outputs {
		if o.Key == "" || o.Digest.IsZero() {
			continue
		}
		m.Entries = append(m.Entries, ManifestEntry{Digest: o.Digest, Path: o.Key})
	}
	return m
}

// SerializeManifest converts a manifest to the sha256sum-like text format.
// Format: "shake256:<hex-digest>  <path>\n" for each entry, sorted by path.
func SerializeManifest(m *Manifest) string {
	entries := make([]ManifestEntry, len(m.Entries))
	copy(entries, m.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	var sb strings.Builder
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("%s  %s\n", entry.Digest.String(), entry.Path))
	}
	return sb.String()
}
