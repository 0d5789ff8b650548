package vector

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hyperjump/teian/internal/models"
)

// Vector blob layout (little-endian):
//
//	magic "TVEC" | version u32 | dimension u32 | count u64 | generation [16]byte |
//	count*dimension float32 | crc32(IEEE) of all preceding bytes
const (
	vectorMagic   = "TVEC"
	formatVersion = 1
	headerSize    = 4 + 4 + 4 + 8 + 16
	prevSuffix    = ".prev"
)

type metaFile struct {
	Version    int          `json:"version"`
	Generation string       `json:"generation"`
	Dimension  int          `json:"dimension"`
	Embedder   string       `json:"embedder,omitempty"`
	Records    []metaRecord `json:"records"`
}

type metaRecord struct {
	ID      uint64 `json:"id"`
	Source  string `json:"source"`
	ChunkID int    `json:"chunk_id"`
	Text    string `json:"text"`
}

func encodeVectors(gen uuid.UUID, st *flatStore) []byte {
	buf := make([]byte, 0, headerSize+len(st.vectors)*st.dimension*4+4)
	buf = append(buf, vectorMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(st.dimension))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(st.vectors)))
	buf = append(buf, gen[:]...)
	for _, vec := range st.vectors {
		for _, v := range vec {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func decodeVectors(b []byte) (uuid.UUID, int, [][]float32, error) {
	if len(b) < headerSize+4 {
		return uuid.Nil, 0, nil, fmt.Errorf("vector blob truncated: %d bytes", len(b))
	}
	body, sum := b[:len(b)-4], binary.LittleEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return uuid.Nil, 0, nil, errors.New("vector blob checksum mismatch")
	}
	if !bytes.Equal(body[:4], []byte(vectorMagic)) {
		return uuid.Nil, 0, nil, fmt.Errorf("vector blob has bad magic %q", body[:4])
	}
	if v := binary.LittleEndian.Uint32(body[4:8]); v != formatVersion {
		return uuid.Nil, 0, nil, fmt.Errorf("unsupported vector blob version %d", v)
	}
	dim := uint64(binary.LittleEndian.Uint32(body[8:12]))
	count := binary.LittleEndian.Uint64(body[12:20])
	gen, err := uuid.FromBytes(body[20:headerSize])
	if err != nil {
		return uuid.Nil, 0, nil, fmt.Errorf("vector blob generation: %w", err)
	}
	payload := uint64(len(body) - headerSize)
	if count > 0 && (dim == 0 || count > payload/(4*dim) || count*dim*4 != payload) {
		return uuid.Nil, 0, nil, fmt.Errorf("vector blob size does not match %d x %d", count, dim)
	}
	if count == 0 && payload != 0 {
		return uuid.Nil, 0, nil, errors.New("vector blob has trailing data")
	}
	vectors := make([][]float32, count)
	off := headerSize
	for i := range vectors {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(body[off : off+4]))
			off += 4
		}
		vectors[i] = vec
	}
	return gen, int(dim), vectors, nil
}

func encodeMetadata(gen uuid.UUID, embedder string, st *flatStore) ([]byte, error) {
	mf := metaFile{
		Version:    formatVersion,
		Generation: gen.String(),
		Dimension:  st.dimension,
		Embedder:   embedder,
		Records:    make([]metaRecord, len(st.records)),
	}
	for i, r := range st.records {
		mf.Records[i] = metaRecord{ID: r.ID, Source: r.Chunk.Source, ChunkID: r.Chunk.SequenceIndex, Text: r.Chunk.Text}
	}
	return json.Marshal(mf)
}

func decodeMetadata(b []byte) (*metaFile, uuid.UUID, []Record, error) {
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return nil, uuid.Nil, nil, fmt.Errorf("metadata blob: %w", err)
	}
	if mf.Version != formatVersion {
		return nil, uuid.Nil, nil, fmt.Errorf("unsupported metadata version %d", mf.Version)
	}
	gen, err := uuid.Parse(mf.Generation)
	if err != nil {
		return nil, uuid.Nil, nil, fmt.Errorf("metadata generation: %w", err)
	}
	records := make([]Record, len(mf.Records))
	for i, r := range mf.Records {
		if r.ID != uint64(i) {
			return nil, uuid.Nil, nil, fmt.Errorf("metadata record %d has id %d", i, r.ID)
		}
		records[i] = Record{ID: r.ID, Chunk: models.Chunk{Source: r.Source, SequenceIndex: r.ChunkID, Text: r.Text}}
	}
	return &mf, gen, records, nil
}

// saveState writes st to both artifacts under a fresh generation. Both blobs are staged
// as synced temp files first; the metadata rename is the commit point. The vector blob
// it replaces is kept as <vectorPath>.prev so a crash between the two renames can be
// rolled back by loadState. A failed commit restores the previous vector blob, or removes
// the new one when there was none, so the artifacts on disk are left as they were.
func saveState(vectorPath, metadataPath, embedder string, st *flatStore) (uuid.UUID, error) {
	gen := uuid.New()
	metaBytes, err := encodeMetadata(gen, embedder, st)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	vecTmp, err := stageFile(vectorPath, encodeVectors(gen, st))
	if err != nil {
		return uuid.Nil, err
	}
	metaTmp, err := stageFile(metadataPath, metaBytes)
	if err != nil {
		os.Remove(vecTmp)
		return uuid.Nil, err
	}
	cleanup := func() {
		os.Remove(vecTmp)
		os.Remove(metaTmp)
	}
	hadPrev, err := preserve(vectorPath)
	if err != nil {
		cleanup()
		return uuid.Nil, fmt.Errorf("failed to keep previous vector blob: %w", err)
	}
	if err := os.Rename(vecTmp, vectorPath); err != nil {
		cleanup()
		return uuid.Nil, fmt.Errorf("failed to replace vector blob: %w", err)
	}
	if err := os.Rename(metaTmp, metadataPath); err != nil {
		os.Remove(metaTmp)
		err = fmt.Errorf("failed to replace metadata blob: %w", err)
		if rbErr := restoreVectors(vectorPath, hadPrev); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to roll back vector blob: %w", rbErr))
		}
		return uuid.Nil, err
	}
	syncDir(filepath.Dir(vectorPath))
	if filepath.Dir(metadataPath) != filepath.Dir(vectorPath) {
		syncDir(filepath.Dir(metadataPath))
	}
	return gen, nil
}

// restoreVectors undoes the vector blob rename of an uncommitted save.
func restoreVectors(vectorPath string, hadPrev bool) error {
	if hadPrev {
		return os.Rename(vectorPath+prevSuffix, vectorPath)
	}
	if err := os.Remove(vectorPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// savedState is what loadState read back from disk.
type savedState struct {
	store      *flatStore
	generation uuid.UUID
	// embedder names the provider that produced the vectors; empty when not recorded.
	embedder string
	// rolledBack reports that the vector blob was restored from the .prev copy.
	rolledBack bool
}

// loadState reads both artifacts; neither existing yields an empty store.
func loadState(vectorPath, metadataPath string) (*savedState, error) {
	vecExists, err := exists(vectorPath)
	if err != nil {
		return nil, err
	}
	metaExists, err := exists(metadataPath)
	if err != nil {
		return nil, err
	}
	switch {
	case !vecExists && !metaExists:
		return &savedState{store: &flatStore{}}, nil
	case !vecExists:
		return nil, fmt.Errorf("metadata blob %s exists without vector blob %s", metadataPath, vectorPath)
	case !metaExists:
		return nil, fmt.Errorf("vector blob %s exists without metadata blob %s", vectorPath, metadataPath)
	}

	metaBytes, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, err
	}
	mf, metaGen, records, err := decodeMetadata(metaBytes)
	if err != nil {
		return nil, err
	}
	metaDim := mf.Dimension
	rolledBack := false
	vecBytes, err := os.ReadFile(vectorPath)
	if err != nil {
		return nil, err
	}
	vecGen, dim, vectors, err := decodeVectors(vecBytes)
	if err == nil && vecGen != metaGen {
		err = fmt.Errorf("vector blob generation %s does not match metadata generation %s", vecGen, metaGen)
	}
	if err != nil {
		// A vector blob renamed ahead of an uncommitted metadata blob: fall back to the previous one.
		prevBytes, prevErr := os.ReadFile(vectorPath + prevSuffix)
		if prevErr != nil {
			return nil, err
		}
		prevGen, prevDim, prevVectors, prevErr := decodeVectors(prevBytes)
		if prevErr != nil || prevGen != metaGen {
			return nil, err
		}
		if err := os.Rename(vectorPath+prevSuffix, vectorPath); err != nil {
			return nil, fmt.Errorf("failed to restore previous vector blob: %w", err)
		}
		dim, vectors, rolledBack = prevDim, prevVectors, true
	}
	if len(vectors) != len(records) {
		return nil, fmt.Errorf("vector blob has %d vectors, metadata has %d records", len(vectors), len(records))
	}
	if dim != metaDim {
		return nil, fmt.Errorf("vector blob dimension %d, metadata dimension %d", dim, metaDim)
	}
	return &savedState{
		store:      &flatStore{dimension: dim, vectors: vectors, records: records},
		generation: metaGen,
		embedder:   mf.Embedder,
		rolledBack: rolledBack,
	}, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// stageFile writes data to a synced temp file next to path and returns its name.
func stageFile(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create index dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	return name, nil
}

// preserve keeps the current vector blob at path+".prev", by hard link when possible.
// It reports whether there was a blob to keep.
func preserve(path string) (bool, error) {
	prev := path + prevSuffix
	if err := os.Remove(prev); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	err := os.Link(path, prev)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := copyFile(path, prev); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// syncDir flushes directory entries after renames. Errors are ignored: not every
// platform supports syncing a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
