package storage

import (
	"testing"
)

func TestJobManifest(t *testing.T) {
	d := func(b byte) Digest {
		return Digest{Algorithm: DigestAlgorithmShake256, Value: []byte{b, b}}
	}
	job := &JobRecord{
		ID: "j1",
		Outputs: []OutputRecord{
			{Name: "samples", Key: "out/StationSamples-j1.csv", Digest: d(0xbb)},
			{Name: "bottle_samples", Key: "out/StationSamplesBOT-j1.csv", Digest: d(0xaa)},
			{Name: "units_gridded"},
			{Name: "missing", Key: "out/StationSamplesPMP-j1.csv"},
		},
	}

	text := SerializeManifest(JobManifest(job))
	want := "shake256:bbbb  out/StationSamples-j1.csv\n" +
		"shake256:aaaa  out/StationSamplesBOT-j1.csv\n"
	if text != want {
		t.Errorf("unexpected manifest:\n%s\nwant:\n%s", text, want)
	}

	if text := SerializeManifest(&Manifest{}); text != "" {
		t.Errorf("empty manifest = %q", text)
	}
}
