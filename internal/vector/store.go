// Package vector owns the dense on-disk embedding matrix and its parallel
// fingerprint-id vector. Row i of the matrix always corresponds to entry i of
// the id vector; the two files grow together or not at all.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/google/renameio/v2"
)

const (
	vectorMagic = "VHVC"
	idMagic     = "VHID"
	formatVer   = 1
)

// Matrix is a row-major N×D float32 matrix.
type Matrix struct {
	N, D int
	Data []float32
}

// Row returns row i without copying.
func (m Matrix) Row(i int) []float32 { return m.Data[i*m.D : (i+1)*m.D] }

// FromRows packs a slice of equal-length rows into a Matrix.
func FromRows(rows [][]float32) (Matrix, error) {
	if len(rows) == 0 {
		return Matrix{}, nil
	}
	d := len(rows[0])
	m := Matrix{N: len(rows), D: d, Data: make([]float32, 0, len(rows)*d)}
	for i, r := range rows {
		if len(r) != d {
			return Matrix{}, fmt.Errorf("row %d has dimension %d, want %d", i, len(r), d)
		}
		m.Data = append(m.Data, r...)
	}
	return m, nil
}

// Store persists the matrix and id vector as two versioned binary files.
type Store struct {
	VectorPath string
	IDPath     string
}

// NewStore returns a store over the given file pair. The files are created
// lazily on first append.
func NewStore(vectorPath, idPath string) *Store {
	return &Store{VectorPath: vectorPath, IDPath: idPath}
}

// Append extends both files by the given rows. A zero-row append is a no-op.
// The rewritten vector file is committed before the id file, so a crash
// between the two renames leaves the id vector short, never long; Load
// rejects the pair and the overhang is re-appended on retry.
//
// Each append rewrites both files in full, so cost grows with index size.
// TODO: store a committed row count in the header and extend in place so
// appends cost only the new rows.
func (s *Store) Append(embeddings Matrix, ids []int64) error {
	if embeddings.N == 0 {
		return nil
	}
	if embeddings.N != len(ids) {
		return fmt.Errorf("append: %d vector rows but %d ids", embeddings.N, len(ids))
	}

	existing, existingIDs, err := s.Load()
	if err != nil {
		return err
	}
	if existing.N > 0 && existing.D != embeddings.D {
		return fmt.Errorf("append: dimension %d does not match stored dimension %d", embeddings.D, existing.D)
	}

	combined := Matrix{
		N:    existing.N + embeddings.N,
		D:    embeddings.D,
		Data: append(existing.Data, embeddings.Data...),
	}
	combinedIDs := append(existingIDs, ids...)

	if err := writeVectorFile(s.VectorPath, combined); err != nil {
		return err
	}
	return writeIDFile(s.IDPath, combinedIDs)
}

// Load reads the file pair. Absent files yield an empty matrix and id vector.
// A row-count mismatch between the two files is an error.
func (s *Store) Load() (Matrix, []int64, error) {
	m, vecOK, err := readVectorFile(s.VectorPath)
	if err != nil {
		return Matrix{}, nil, err
	}
	ids, idOK, err := readIDFile(s.IDPath)
	if err != nil {
		return Matrix{}, nil, err
	}
	if !vecOK && !idOK {
		return Matrix{}, nil, nil
	}
	if m.N != len(ids) {
		return Matrix{}, nil, fmt.Errorf("vector store: %d vector rows but %d ids", m.N, len(ids))
	}
	return m, ids, nil
}

// UnindexedOverhang reports how many fingerprint rows beyond the stored id
// count exist, given the highest committed fingerprint id. A positive value
// means a crash landed between the fingerprint commit and the vector append;
// those fingerprints are unindexed until the window is re-embedded.
func (s *Store) UnindexedOverhang(maxFingerprintID int64) (int64, error) {
	_, ids, err := s.Load()
	if err != nil {
		return 0, err
	}
	var maxStored int64
	for _, id := range ids {
		if id > maxStored {
			maxStored = id
		}
	}
	if maxFingerprintID > maxStored {
		return maxFingerprintID - maxStored, nil
	}
	return 0, nil
}

func writeVectorFile(path string, m Matrix) error {
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending vector file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	header := make([]byte, 0, 20)
	header = append(header, vectorMagic...)
	header = binary.LittleEndian.AppendUint32(header, formatVer)
	header = binary.LittleEndian.AppendUint32(header, uint32(m.D))
	header = binary.LittleEndian.AppendUint64(header, uint64(m.N))
	if _, err := pf.Write(header); err != nil {
		return fmt.Errorf("write vector header: %w", err)
	}

	buf := make([]byte, 0, len(m.Data)*4)
	for _, v := range m.Data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	if _, err := pf.Write(buf); err != nil {
		return fmt.Errorf("write vector data: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace vector file: %w", err)
	}
	return nil
}

func writeIDFile(path string, ids []int64) error {
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending id file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	header := make([]byte, 0, 16)
	header = append(header, idMagic...)
	header = binary.LittleEndian.AppendUint32(header, formatVer)
	header = binary.LittleEndian.AppendUint64(header, uint64(len(ids)))
	if _, err := pf.Write(header); err != nil {
		return fmt.Errorf("write id header: %w", err)
	}

	buf := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	if _, err := pf.Write(buf); err != nil {
		return fmt.Errorf("write id data: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace id file: %w", err)
	}
	return nil
}

func readVectorFile(path string) (Matrix, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Matrix{}, false, nil
	}
	if err != nil {
		return Matrix{}, false, err
	}
	if len(raw) < 20 || string(raw[:4]) != vectorMagic {
		return Matrix{}, false, fmt.Errorf("vector file %s: bad header", path)
	}
	if v := binary.LittleEndian.Uint32(raw[4:8]); v != formatVer {
		return Matrix{}, false, fmt.Errorf("vector file %s: unsupported version %d", path, v)
	}
	d := int(binary.LittleEndian.Uint32(raw[8:12]))
	n := int(binary.LittleEndian.Uint64(raw[12:20]))
	payload := raw[20:]
	if len(payload) != n*d*4 {
		return Matrix{}, false, fmt.Errorf("vector file %s: truncated payload (%d bytes, want %d)", path, len(payload), n*d*4)
	}
	data := make([]float32, n*d)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4 : i*4+4]))
	}
	return Matrix{N: n, D: d, Data: data}, true, nil
}

func readIDFile(path string) ([]int64, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(raw) < 16 || string(raw[:4]) != idMagic {
		return nil, false, fmt.Errorf("id file %s: bad header", path)
	}
	if v := binary.LittleEndian.Uint32(raw[4:8]); v != formatVer {
		return nil, false, fmt.Errorf("id file %s: unsupported version %d", path, v)
	}
	n := int(binary.LittleEndian.Uint64(raw[8:16]))
	payload := raw[16:]
	if len(payload) != n*8 {
		return nil, false, fmt.Errorf("id file %s: truncated payload (%d bytes, want %d)", path, len(payload), n*8)
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(binary.LittleEndian.Uint64(payload[i*8 : i*8+8]))
	}
	return ids, true, nil
}
