package vector

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hyperjump/teian/internal/embedding"
	"go.uber.org/zap"
)

func paths(dir string) (string, string) {
	return filepath.Join(dir, "index", "index.vec"), filepath.Join(dir, "index", "index.meta.json")
}

func openAt(t *testing.T, dir string, p Provider) (*Index, error) {
	t.Helper()
	vecPath, metaPath := paths(dir)
	return Open(p, WithPaths(vecPath, metaPath), WithLogger(zap.NewNop()))
}

func mustOpenAt(t *testing.T, dir string, p Provider) *Index {
	t.Helper()
	idx, err := openAt(t, dir, p)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestIndex_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	emb := embedding.NewHashEmbedder(64)

	idx := mustOpenAt(t, dir, emb)
	first := []string{"the quick brown fox", "jumps over", "the lazy dog"}
	second := []string{"lorem ipsum", "dolor sit amet"}
	if err := idx.Add(ctx, first, chunks("a.txt", first...)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(ctx, second, chunks("b.txt", second...)); err != nil {
		t.Fatal(err)
	}

	reopened := mustOpenAt(t, dir, emb)
	if reopened.Len() != 5 || reopened.Dimension() != 64 {
		t.Fatalf("reopened Len=%d Dimension=%d", reopened.Len(), reopened.Dimension())
	}
	if reopened.Generation() != idx.Generation() || reopened.Generation() == "" {
		t.Errorf("generation %q, want %q", reopened.Generation(), idx.Generation())
	}

	for _, q := range []string{"fox", "lorem ipsum", "dog", "unrelated"} {
		want, err := idx.Query(ctx, q, 5)
		if err != nil {
			t.Fatal(err)
		}
		got, err := reopened.Query(ctx, q, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Fatalf("%q: got %d results, want %d", q, len(got), len(want))
		}
		for i := range want {
			if got[i].Chunk != want[i].Chunk {
				t.Errorf("%q result %d: %+v, want %+v", q, i, got[i].Chunk, want[i].Chunk)
			}
			if math.Abs(got[i].Score-want[i].Score) > 1e-6 {
				t.Errorf("%q result %d: score %v, want %v", q, i, got[i].Score, want[i].Score)
			}
		}
	}
}

func TestIndex_OpenMissingArtifactsStartsEmpty(t *testing.T) {
	idx := mustOpenAt(t, t.TempDir(), embedding.NewHashEmbedder(8))
	if idx.Len() != 0 || idx.Dimension() != 0 || idx.Generation() != "" {
		t.Errorf("expected empty index, got Len=%d Dimension=%d", idx.Len(), idx.Dimension())
	}
}

func TestIndex_VectorBlobIsBitExact(t *testing.T) {
	st := &flatStore{
		dimension: 2,
		vectors:   [][]float32{{0.6, 0.8}, {float32(math.SmallestNonzeroFloat32), -1}},
		records:   []Record{{ID: 0}, {ID: 1}},
	}
	gen := uuid.UUID{1, 2, 3}
	g, dim, vecs, err := decodeVectors(encodeVectors(gen, st))
	if err != nil {
		t.Fatal(err)
	}
	if g != gen || dim != 2 || len(vecs) != 2 {
		t.Fatalf("gen=%v dim=%d n=%d", g, dim, len(vecs))
	}
	for i := range vecs {
		for j := range vecs[i] {
			if math.Float32bits(vecs[i][j]) != math.Float32bits(st.vectors[i][j]) {
				t.Errorf("vector %d[%d] = %v, want %v", i, j, vecs[i][j], st.vectors[i][j])
			}
		}
	}
}

// seeded writes one index to dir and returns its artifact paths.
func seeded(t *testing.T, dir string) (string, string) {
	t.Helper()
	idx := mustOpenAt(t, dir, embedding.NewHashEmbedder(8))
	texts := []string{"one", "two"}
	if err := idx.Add(context.Background(), texts, chunks("doc", texts...)); err != nil {
		t.Fatal(err)
	}
	return paths(dir)
}

func rewriteMeta(t *testing.T, path string, edit func(*metaFile)) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		t.Fatal(err)
	}
	edit(&mf)
	b, _ = json.Marshal(mf)
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_CorruptState(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir, vecPath, metaPath string)
	}{
		{name: "only vector blob", corrupt: func(t *testing.T, _, _, metaPath string) {
			os.Remove(metaPath)
		}},
		{name: "only metadata blob", corrupt: func(t *testing.T, _, vecPath, _ string) {
			os.Remove(vecPath)
		}},
		{name: "checksum", corrupt: func(t *testing.T, _, vecPath, _ string) {
			b, _ := os.ReadFile(vecPath)
			b[headerSize] ^= 0xFF
			os.WriteFile(vecPath, b, 0644)
		}},
		{name: "truncated vector blob", corrupt: func(t *testing.T, _, vecPath, _ string) {
			os.WriteFile(vecPath, []byte("TVEC"), 0644)
		}},
		{name: "metadata not json", corrupt: func(t *testing.T, _, _, metaPath string) {
			os.WriteFile(metaPath, []byte("{"), 0644)
		}},
		{name: "count mismatch", corrupt: func(t *testing.T, _, _, metaPath string) {
			rewriteMeta(t, metaPath, func(mf *metaFile) { mf.Records = mf.Records[:1] })
		}},
		{name: "ids out of sequence", corrupt: func(t *testing.T, _, _, metaPath string) {
			rewriteMeta(t, metaPath, func(mf *metaFile) { mf.Records[0].ID = 7 })
		}},
		{name: "dimension mismatch", corrupt: func(t *testing.T, _, _, metaPath string) {
			rewriteMeta(t, metaPath, func(mf *metaFile) { mf.Dimension = 9 })
		}},
		{name: "generation mismatch", corrupt: func(t *testing.T, _, _, metaPath string) {
			_, otherMeta := seeded(t, t.TempDir())
			b, _ := os.ReadFile(otherMeta)
			os.WriteFile(metaPath, b, 0644)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			vecPath, metaPath := seeded(t, dir)
			tt.corrupt(t, dir, vecPath, metaPath)
			_, err := openAt(t, dir, embedding.NewHashEmbedder(8))
			if !errors.Is(err, ErrCorruptIndexState) {
				t.Errorf("err = %v, want ErrCorruptIndexState", err)
			}
		})
	}
}

func TestOpen_RollsBackUncommittedVectorBlob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	emb := embedding.NewHashEmbedder(8)
	_, metaPath := paths(dir)

	idx := mustOpenAt(t, dir, emb)
	if err := idx.Add(ctx, []string{"first"}, chunks("a", "first")); err != nil {
		t.Fatal(err)
	}
	committedMeta, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	firstGen := idx.Generation()
	if err := idx.Add(ctx, []string{"second"}, chunks("b", "second")); err != nil {
		t.Fatal(err)
	}
	// Crash between the vector rename and the metadata rename.
	if err := os.WriteFile(metaPath, committedMeta, 0644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		reopened := mustOpenAt(t, dir, emb)
		if reopened.Len() != 1 || reopened.Generation() != firstGen {
			t.Fatalf("open %d: Len=%d generation=%s, want 1 and %s", i, reopened.Len(), reopened.Generation(), firstGen)
		}
	}
}

func TestIndex_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	vecPath := filepath.Join(dir, "index.vec")
	metaPath := filepath.Join(blocker, "index.meta.json")

	idx, err := Open(embedding.NewHashEmbedder(8), WithPaths(vecPath, metaPath))
	if err != nil {
		t.Fatal(err)
	}
	// A regular file where the metadata directory should be makes the save fail.
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	err = idx.Add(ctx, []string{"a", "b"}, chunks("doc", "a", "b"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if idx.Len() != 0 || idx.Dimension() != 0 {
		t.Errorf("in-memory state changed: Len=%d Dimension=%d", idx.Len(), idx.Dimension())
	}
	if _, err := os.Stat(vecPath); !os.IsNotExist(err) {
		t.Errorf("vector blob should not exist, stat err = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestIndex_FailedCommitRestoresArtifacts(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewHashEmbedder(8)

	t.Run("first save", func(t *testing.T) {
		dir := t.TempDir()
		vecPath, metaPath := paths(dir)
		idx := mustOpenAt(t, dir, emb)
		// A directory in place of the metadata blob makes the commit rename fail.
		if err := os.MkdirAll(metaPath, 0755); err != nil {
			t.Fatal(err)
		}
		err := idx.Add(ctx, []string{"a", "b"}, chunks("doc", "a", "b"))
		if !errors.Is(err, ErrPersistence) {
			t.Fatalf("err = %v, want ErrPersistence", err)
		}
		if idx.Len() != 0 {
			t.Errorf("Len = %d after failed Add", idx.Len())
		}
		for _, p := range []string{vecPath, vecPath + prevSuffix} {
			if _, err := os.Stat(p); !os.IsNotExist(err) {
				t.Errorf("%s should not exist, stat err = %v", filepath.Base(p), err)
			}
		}
		if err := os.Remove(metaPath); err != nil {
			t.Fatal(err)
		}
		entries, _ := os.ReadDir(filepath.Dir(vecPath))
		if len(entries) != 0 {
			t.Errorf("files left behind: %v", entries)
		}
		reopened, err := openAt(t, dir, emb)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if reopened.Len() != 0 {
			t.Errorf("reopened Len = %d, want 0", reopened.Len())
		}
	})

	t.Run("later save", func(t *testing.T) {
		dir := t.TempDir()
		vecPath, metaPath := paths(dir)
		idx := mustOpenAt(t, dir, emb)
		if err := idx.Add(ctx, []string{"a"}, chunks("doc", "a")); err != nil {
			t.Fatal(err)
		}
		gen := idx.Generation()
		vecBefore, err := os.ReadFile(vecPath)
		if err != nil {
			t.Fatal(err)
		}
		aside := metaPath + ".aside"
		if err := os.Rename(metaPath, aside); err != nil {
			t.Fatal(err)
		}
		if err := os.Mkdir(metaPath, 0755); err != nil {
			t.Fatal(err)
		}
		err = idx.Add(ctx, []string{"b"}, chunks("doc", "b"))
		if !errors.Is(err, ErrPersistence) {
			t.Fatalf("err = %v, want ErrPersistence", err)
		}
		vecAfter, err := os.ReadFile(vecPath)
		if err != nil {
			t.Fatal(err)
		}
		if string(vecAfter) != string(vecBefore) {
			t.Error("vector blob changed by a failed Add")
		}
		if err := os.Remove(metaPath); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(aside, metaPath); err != nil {
			t.Fatal(err)
		}
		reopened, err := openAt(t, dir, emb)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if reopened.Len() != 1 || reopened.Generation() != gen {
			t.Errorf("reopened Len=%d Generation=%q, want 1 and %q", reopened.Len(), reopened.Generation(), gen)
		}
	})
}

func TestOpen_EmbedderMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	vecPath, metaPath := paths(dir)
	emb := embedding.NewHashEmbedder(8)
	open := func(opts ...Option) (*Index, error) {
		return Open(emb, append([]Option{WithPaths(vecPath, metaPath)}, opts...)...)
	}

	idx, err := open(WithEmbedder(emb.Name()))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(ctx, []string{"a", "b"}, chunks("doc", "a", "b")); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	var mf metaFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		t.Fatal(err)
	}
	if mf.Embedder != "hash" {
		t.Errorf("saved embedder = %q, want hash", mf.Embedder)
	}

	_, err = open(WithEmbedder("onnx/model.onnx"))
	if !errors.Is(err, ErrEmbedderMismatch) {
		t.Fatalf("err = %v, want ErrEmbedderMismatch", err)
	}
	if errors.Is(err, ErrCorruptIndexState) {
		t.Errorf("mismatch reported as corrupt state: %v", err)
	}

	same, err := open(WithEmbedder("hash"))
	if err != nil {
		t.Fatalf("same embedder: %v", err)
	}
	if same.Len() != 2 || same.Embedder() != "hash" {
		t.Errorf("Len=%d Embedder=%q", same.Len(), same.Embedder())
	}

	// Without a configured name the saved one is kept and written back.
	unnamed, err := open()
	if err != nil {
		t.Fatal(err)
	}
	if unnamed.Embedder() != "hash" {
		t.Errorf("Embedder = %q, want the saved name", unnamed.Embedder())
	}
	if err := unnamed.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := open(WithEmbedder("openai/text-embedding-3-small")); !errors.Is(err, ErrEmbedderMismatch) {
		t.Errorf("after re-save err = %v, want ErrEmbedderMismatch", err)
	}
}

func TestOpen_EmptyIndexAdoptsNewEmbedder(t *testing.T) {
	dir := t.TempDir()
	vecPath, metaPath := paths(dir)
	emb := embedding.NewHashEmbedder(8)
	idx, err := Open(emb, WithPaths(vecPath, metaPath), WithEmbedder("hash"))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Save(); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(emb, WithPaths(vecPath, metaPath), WithEmbedder("onnx/model.onnx"))
	if err != nil {
		t.Fatalf("empty index should accept a new embedder: %v", err)
	}
	if reopened.Embedder() != "onnx/model.onnx" {
		t.Errorf("Embedder = %q", reopened.Embedder())
	}
}

func TestIndex_SaveMemoryOnlyIsNoop(t *testing.T) {
	idx := openMemory(t, embedding.NewHashEmbedder(8))
	if err := idx.Save(); err != nil {
		t.Errorf("Save() = %v", err)
	}
}

func TestIndex_SaveWritesNewGeneration(t *testing.T) {
	dir := t.TempDir()
	idx := mustOpenAt(t, dir, embedding.NewHashEmbedder(8))
	if err := idx.Add(context.Background(), []string{"a"}, chunks("d", "a")); err != nil {
		t.Fatal(err)
	}
	before := idx.Generation()
	if err := idx.Save(); err != nil {
		t.Fatal(err)
	}
	if idx.Generation() == before {
		t.Error("Save should write a new generation")
	}
	reopened := mustOpenAt(t, dir, embedding.NewHashEmbedder(8))
	if reopened.Len() != 1 || reopened.Generation() != idx.Generation() {
		t.Errorf("reopened Len=%d generation=%s", reopened.Len(), reopened.Generation())
	}
}
