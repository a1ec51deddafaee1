package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/kachina-project/kachina/internal/hashkind"
)

// The wire schema tags a hash by the algorithm name itself rather than by
// a fixed field name, e.g. {"file_name":"x","size":3,"md5":"abcd..."} or
// the xxh equivalent. hashedFileJSON and friends below implement that
// encoding by hand; encoding/json struct tags can't express a dynamic key.

// hashPair marshals/unmarshals a Hash as the nested {"md5"|"xxh": hex}
// object used for PatchRecord.from/to.
type hashPair hashkind.Hash

func (h hashPair) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{string(h.Algorithm): h.Hex})
}

func (h *hashPair) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("manifest: hash object must have exactly one algorithm key, got %d", len(m))
	}
	for k, v := range m {
		parsed, err := hashkind.Parse(hashkind.Algorithm(k), v)
		if err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		*h = hashPair(parsed)
	}
	return nil
}

func putHashField(m map[string]interface{}, h hashkind.Hash) {
	m[string(h.Algorithm)] = h.Hex
}

// extractHashField finds the one key in raw not among the reserved names
// and parses it as a Hash, per the flattened hash encoding used by
// HashedFile and the top-level installer object.
func extractHashField(raw map[string]json.RawMessage, reserved ...string) (hashkind.Hash, error) {
	skip := map[string]bool{}
	for _, r := range reserved {
		skip[r] = true
	}
	for k, v := range raw {
		if skip[k] {
			continue
		}
		var hex string
		if err := json.Unmarshal(v, &hex); err != nil {
			continue
		}
		h, err := hashkind.Parse(hashkind.Algorithm(k), hex)
		if err != nil {
			return hashkind.Hash{}, fmt.Errorf("manifest: %w", err)
		}
		return h, nil
	}
	return hashkind.Hash{}, fmt.Errorf("manifest: no hash field found")
}

type hashedFileJSON struct {
	FileName  string `json:"file_name"`
	Size      uint64 `json:"size"`
	Installer bool   `json:"installer,omitempty"`
	Hash      hashkind.Hash
}

func (h hashedFileJSON) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"file_name": h.FileName,
		"size":      h.Size,
	}
	if h.Installer {
		m["installer"] = true
	}
	putHashField(m, h.Hash)
	return json.Marshal(m)
}

func (h *hashedFileJSON) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["file_name"]; ok {
		json.Unmarshal(v, &h.FileName)
	}
	if v, ok := raw["size"]; ok {
		json.Unmarshal(v, &h.Size)
	}
	if v, ok := raw["installer"]; ok {
		json.Unmarshal(v, &h.Installer)
	}
	hash, err := extractHashField(raw, "file_name", "size", "installer")
	if err != nil {
		return err
	}
	h.Hash = hash
	return nil
}

type patchRecordJSON struct {
	Size uint64   `json:"size"`
	From hashPair `json:"from"`
	To   hashPair `json:"to"`
}

type installerInfoJSON struct {
	Size uint64 `json:"size"`
	Hash hashkind.Hash
}

func (i installerInfoJSON) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"size": i.Size}
	putHashField(m, i.Hash)
	return json.Marshal(m)
}

func (i *installerInfoJSON) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["size"]; ok {
		json.Unmarshal(v, &i.Size)
	}
	hash, err := extractHashField(raw, "size")
	if err != nil {
		return err
	}
	i.Hash = hash
	return nil
}

type manifestJSON struct {
	TagName   string             `json:"tag_name"`
	Hashed    []hashedFileJSON   `json:"hashed"`
	Patches   []patchRecordJSON  `json:"patches,omitempty"`
	Deletes   []string           `json:"deletes,omitempty"`
	Installer *installerInfoJSON `json:"installer,omitempty"`
}

func (d *manifestJSON) toManifest() (*Manifest, error) {
	m := &Manifest{TagName: d.TagName, Deletes: d.Deletes}
	for _, h := range d.Hashed {
		m.Hashed = append(m.Hashed, HashedFile{
			FileName:  h.FileName,
			Size:      h.Size,
			Hash:      h.Hash,
			Installer: h.Installer,
		})
	}
	for _, p := range d.Patches {
		m.Patches = append(m.Patches, PatchRecord{
			Size: p.Size,
			From: hashkind.Hash(p.From),
			To:   hashkind.Hash(p.To),
		})
	}
	if d.Installer != nil {
		m.Installer = &InstallerInfo{Size: d.Installer.Size, Hash: d.Installer.Hash}
	}
	return m, nil
}

func fromManifest(m *Manifest) *manifestJSON {
	d := &manifestJSON{TagName: m.TagName, Deletes: m.Deletes}
	for _, h := range m.Hashed {
		d.Hashed = append(d.Hashed, hashedFileJSON{
			FileName:  h.FileName,
			Size:      h.Size,
			Installer: h.Installer,
			Hash:      h.Hash,
		})
	}
	for _, p := range m.Patches {
		d.Patches = append(d.Patches, patchRecordJSON{
			Size: p.Size,
			From: hashPair(p.From),
			To:   hashPair(p.To),
		})
	}
	if m.Installer != nil {
		d.Installer = &installerInfoJSON{Size: m.Installer.Size, Hash: m.Installer.Hash}
	}
	return d
}
