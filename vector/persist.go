package vector

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// vector.index layout, little-endian:
//
//	[4]byte  magic "AVIX"
//	uint32   format version
//	uint32   dimension
//	uint32   row count
//	float32  row-major vectors, count*dimension values
//
// Chunk metadata lives beside it in vector.docs as JSON, one entry per
// row in the same order.
var indexMagic = [4]byte{'A', 'V', 'I', 'X'}

const indexVersion = 1

type docsFile struct {
	Entries []Entry `json:"entries"`
}

// save writes both files via temp-and-rename. The index is renamed last so
// a crash between the two renames leaves docs newer than index, which load
// detects as a count mismatch instead of serving mixed state. Callers hold
// the write lock.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.indexPath), 0o755); err != nil {
		return err
	}

	docsData, err := json.Marshal(docsFile{Entries: s.entries})
	if err != nil {
		return fmt.Errorf("encoding vector metadata: %w", err)
	}
	docsTmp := s.docsPath + ".tmp"
	if err := os.WriteFile(docsTmp, docsData, 0o644); err != nil {
		return err
	}

	indexTmp := s.indexPath + ".tmp"
	if err := s.writeIndex(indexTmp); err != nil {
		os.Remove(docsTmp)
		return err
	}

	if err := os.Rename(docsTmp, s.docsPath); err != nil {
		os.Remove(indexTmp)
		return err
	}
	return os.Rename(indexTmp, s.indexPath)
}

func (s *Store) writeIndex(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	binary.Write(&buf, binary.LittleEndian, uint32(indexVersion))
	binary.Write(&buf, binary.LittleEndian, uint32(s.dim))
	binary.Write(&buf, binary.LittleEndian, uint32(len(s.vectors)))
	if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}

	for _, vec := range s.vectors {
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			f.Close()
			return fmt.Errorf("writing vector index: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// load reads both files. Missing files mean an empty store; anything
// structurally wrong, including a row count that disagrees with the
// metadata file, is an error so corruption never loads silently.
func (s *Store) load() error {
	indexData, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		if _, derr := os.Stat(s.docsPath); derr == nil {
			return fmt.Errorf("vector store: %s exists without %s", s.docsPath, s.indexPath)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading vector index: %w", err)
	}

	const headerLen = 16
	if len(indexData) < headerLen {
		return fmt.Errorf("vector index truncated: %d bytes", len(indexData))
	}
	if !bytes.Equal(indexData[:4], indexMagic[:]) {
		return fmt.Errorf("vector index has bad magic %q", indexData[:4])
	}
	version := binary.LittleEndian.Uint32(indexData[4:8])
	if version != indexVersion {
		return fmt.Errorf("vector index version %d not supported", version)
	}
	dim := int(binary.LittleEndian.Uint32(indexData[8:12]))
	count := int(binary.LittleEndian.Uint32(indexData[12:16]))

	want := headerLen + count*dim*4
	if len(indexData) != want {
		return fmt.Errorf("vector index size %d, want %d for %d x %d", len(indexData), want, count, dim)
	}

	docsData, err := os.ReadFile(s.docsPath)
	if err != nil {
		return fmt.Errorf("reading vector metadata: %w", err)
	}
	var docs docsFile
	if err := json.Unmarshal(docsData, &docs); err != nil {
		return fmt.Errorf("parsing vector metadata: %w", err)
	}
	if len(docs.Entries) != count {
		return fmt.Errorf("vector store mismatch: index has %d rows, metadata has %d", count, len(docs.Entries))
	}

	vectors := make([][]float32, count)
	norms := make([]float64, count)
	r := bytes.NewReader(indexData[headerLen:])
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("reading vector %d: %w", i, err)
		}
		vectors[i] = vec
		norms[i] = vectorNorm(vec)
	}

	s.dim = dim
	s.vectors = vectors
	s.norms = norms
	s.entries = docs.Entries
	return nil
}
