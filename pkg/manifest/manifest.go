// Package manifest reads the vendor's manifest: the fixed binary description
// of a block database's layout (block size, block count, hash algorithm,
// vendor contact address, and the files addressable within it). Manifest
// creation is a separate out-of-scope tool; this package only parses and
// validates what that tool produces.
package manifest

import (
	"crypto/sha256"
	"fmt"
	"io"

	"lukechampine.com/blake3"
	"golang.org/x/text/unicode/norm"

	"github.com/WebFirstLanguage/raidpir/pkg/codec/cborcanon"
)

// ErrInvalid is returned for any structurally or semantically invalid
// manifest (corresponds to spec ManifestInvalid).
var ErrInvalid = fmt.Errorf("manifest: invalid")

// ErrFileNotFound is returned by BlocksForFile when no file with the given
// name is listed (corresponds to spec FileNotInManifest).
var ErrFileNotFound = fmt.Errorf("manifest: file not found")

const (
	formatVersion = 1

	// blockSizeAlignment is the constraint that block size be a multiple
	// of 8 bytes.
	blockSizeAlignment = 8
)

// FileInfo describes one file addressable within the block database, as a
// contiguous byte range over the BlockCount*BlockSize address space. Hash is
// the whole-file digest under the manifest's HashAlgorithm, as produced by
// the reference create-manifest tool's fileinfolist[].hash; it is optional
// (omitted files skip whole-file verification) the same way per-block
// hashes are optional.
type FileInfo struct {
	Name   string `cbor:"name"`
	Offset uint64 `cbor:"offset"`
	Length uint64 `cbor:"length"`
	Hash   []byte `cbor:"hash,omitempty"`
}

// wireManifest is the exact CBOR-encoded on-disk shape.
type wireManifest struct {
	Version        uint32     `cbor:"version"`
	BlockSize      uint64     `cbor:"blocksize"`
	BlockCount     uint64     `cbor:"blockcount"`
	HashAlgorithm  string     `cbor:"hashalgorithm"`
	VendorHostname string     `cbor:"vendorhostname"`
	VendorPort     uint32     `cbor:"vendorport"`
	Files          []FileInfo `cbor:"fileinfolist"`
	BlockHashes    [][]byte   `cbor:"blockhashes,omitempty"`
}

// Manifest is a validated, read-only view over a parsed wire manifest.
type Manifest struct {
	w wireManifest
}

// Parse decodes and validates a manifest from canonical CBOR bytes read
// from r.
func Parse(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	var w wireManifest
	if err := cborcanon.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	m := &Manifest{w: w}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) validate() error {
	w := &m.w
	if w.Version != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, w.Version)
	}
	if w.BlockSize == 0 || w.BlockSize%blockSizeAlignment != 0 {
		return fmt.Errorf("%w: blocksize %d must be a positive multiple of %d", ErrInvalid, w.BlockSize, blockSizeAlignment)
	}
	if w.BlockCount == 0 {
		return fmt.Errorf("%w: blockcount must be positive", ErrInvalid)
	}
	switch w.HashAlgorithm {
	case "sha256-raw", "blake3-256":
	default:
		return fmt.Errorf("%w: unknown hashalgorithm %q", ErrInvalid, w.HashAlgorithm)
	}
	if w.VendorPort == 0 || w.VendorPort > 65535 {
		return fmt.Errorf("%w: vendorport %d out of range", ErrInvalid, w.VendorPort)
	}
	if w.VendorHostname == "" {
		return fmt.Errorf("%w: vendorhostname must not be empty", ErrInvalid)
	}
	total := w.BlockCount * w.BlockSize
	for _, f := range w.Files {
		if f.Name == "" {
			return fmt.Errorf("%w: file entry with empty name", ErrInvalid)
		}
		if f.Offset+f.Length < f.Offset || f.Offset+f.Length > total {
			return fmt.Errorf("%w: file %q range [%d,%d) exceeds database size %d", ErrInvalid, f.Name, f.Offset, f.Offset+f.Length, total)
		}
	}
	if len(w.BlockHashes) != 0 && uint64(len(w.BlockHashes)) != w.BlockCount {
		return fmt.Errorf("%w: blockhashes count %d does not match blockcount %d", ErrInvalid, len(w.BlockHashes), w.BlockCount)
	}
	return nil
}

// BlockSize returns the fixed size, in bytes, of every block.
func (m *Manifest) BlockSize() uint64 { return m.w.BlockSize }

// BlockCount returns the total number of blocks in the database.
func (m *Manifest) BlockCount() uint64 { return m.w.BlockCount }

// HashAlgorithm returns the manifest's configured block hash algorithm.
func (m *Manifest) HashAlgorithm() string { return m.w.HashAlgorithm }

// VendorAddress returns the "host:port" address of the vendor that serves
// this manifest and the mirror list.
func (m *Manifest) VendorAddress() string {
	return fmt.Sprintf("%s:%d", m.w.VendorHostname, m.w.VendorPort)
}

// MirrorListAddress returns the "host:port" address clients dial to fetch
// the current mirror list (GET MIRRORLIST, §6). This manifest format
// co-locates the mirror-list endpoint with the vendor itself
// (pkg/vendorsvc serves both commands on the same listener), so it returns
// the same address as VendorAddress; the accessor exists separately because
// the two are logically distinct operations and a future manifest version
// may split them.
func (m *Manifest) MirrorListAddress() string {
	return m.VendorAddress()
}

// Files returns the manifest's file list. Names are NFC-normalized, matching
// the text-encoding convention carried over from the reference tooling.
func (m *Manifest) Files() []FileInfo {
	out := make([]FileInfo, len(m.w.Files))
	for i, f := range m.w.Files {
		f.Name = norm.NFC.String(f.Name)
		out[i] = f
	}
	return out
}

// BlocksForFile returns the inclusive range of block indices [first, last]
// that together cover the named file's byte range.
func (m *Manifest) BlocksForFile(name string) (first, last uint64, err error) {
	normName := norm.NFC.String(name)
	for _, f := range m.w.Files {
		if norm.NFC.String(f.Name) != normName {
			continue
		}
		if f.Length == 0 {
			return f.Offset / m.w.BlockSize, f.Offset / m.w.BlockSize, nil
		}
		first = f.Offset / m.w.BlockSize
		last = (f.Offset + f.Length - 1) / m.w.BlockSize
		return first, last, nil
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrFileNotFound, name)
}

// VerifyBlockHash reports whether data hashes to the recorded digest for
// block index, using the manifest's configured hash algorithm. If the
// manifest carries no per-block hashes, verification is a no-op that always
// succeeds (hash verification is optional per-deployment).
func (m *Manifest) VerifyBlockHash(index uint64, data []byte) bool {
	if len(m.w.BlockHashes) == 0 {
		return true
	}
	if index >= uint64(len(m.w.BlockHashes)) {
		return false
	}
	got := HashBlock(m.w.HashAlgorithm, data)
	want := m.w.BlockHashes[index]
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// VerifyFileHash reports whether data hashes to the recorded digest for the
// named file, using the manifest's configured hash algorithm. If the file's
// manifest entry carries no hash, verification is a no-op that always
// succeeds, matching VerifyBlockHash's treatment of optional hashes.
func (m *Manifest) VerifyFileHash(name string, data []byte) bool {
	normName := norm.NFC.String(name)
	for _, f := range m.w.Files {
		if norm.NFC.String(f.Name) != normName {
			continue
		}
		if len(f.Hash) == 0 {
			return true
		}
		got := HashBlock(m.w.HashAlgorithm, data)
		if len(got) != len(f.Hash) {
			return false
		}
		for i := range got {
			if got[i] != f.Hash[i] {
				return false
			}
		}
		return true
	}
	return false
}

// New builds a Manifest from explicit fields and validates it. It is the
// in-process counterpart of the reference create-manifest tool, useful for
// tests that build a manifest without a file on disk.
func New(blockSize, blockCount uint64, hashAlgorithm, vendorHostname string, vendorPort uint32, files []FileInfo, blockHashes [][]byte) (*Manifest, error) {
	m := &Manifest{w: wireManifest{
		Version:        formatVersion,
		BlockSize:      blockSize,
		BlockCount:     blockCount,
		HashAlgorithm:  hashAlgorithm,
		VendorHostname: vendorHostname,
		VendorPort:     vendorPort,
		Files:          files,
		BlockHashes:    blockHashes,
	}}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal encodes the manifest back into canonical CBOR bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	return cborcanon.Marshal(m.w)
}

// HashBlock hashes data with the named algorithm, dispatching between the
// reference tooling's default ("sha256-raw") and blake3-256.
func HashBlock(algorithm string, data []byte) []byte {
	switch algorithm {
	case "blake3-256":
		sum := blake3.Sum256(data)
		return sum[:]
	default: // "sha256-raw"
		sum := sha256.Sum256(data)
		return sum[:]
	}
}
