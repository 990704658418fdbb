package enums

import "fmt"

// AssetKind names the media objects attached to a session or order.
type AssetKind string

const (
	AssetKindPhoto    AssetKind = "photo"
	AssetKindAudio    AssetKind = "audio"
	AssetKindWaveform AssetKind = "waveform"
	AssetKindPDF      AssetKind = "pdf"
)

// RequiredAssetKinds are the assets the migration engine must copy before an
// order can complete. The PDF is rendered afterwards from the permanent keys.
var RequiredAssetKinds = []AssetKind{
	AssetKindPhoto,
	AssetKindAudio,
	AssetKindWaveform,
}

// String implements fmt.Stringer.
func (a AssetKind) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AssetKind.
func (a AssetKind) IsValid() bool {
	switch a {
	case AssetKindPhoto, AssetKindAudio, AssetKindWaveform, AssetKindPDF:
		return true
	}
	return false
}

// ParseAssetKind converts raw input into an AssetKind.
func ParseAssetKind(value string) (AssetKind, error) {
	kind := AssetKind(value)
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid asset kind %q", value)
	}
	return kind, nil
}
