package tiering

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/chronicle-journal/chronicle/chronicleerr"
	"github.com/chronicle-journal/chronicle/internal/segment"
	"github.com/chronicle-journal/chronicle/internal/wire"
)

// representation identifies which of the three on-disk forms a segment is
// currently in.
type representation int

const (
	repPlain representation = iota
	repCompressed
	repRemote
)

// UnifiedSegmentReader hides a segment's on-disk representation (plain,
// compressed, or remote) behind a single record-read API, decompressing
// at most one block at a time and caching it for repeated reads within
// that block.
type UnifiedSegmentReader struct {
	dir string
	id  uint64

	rep  representation
	dec  *zstd.Decoder
	idx  Index
	data []byte // plain: the whole mapped/ read file; compressed/remote: the backing compressed file bytes

	cachedBlock       int
	cachedBlockData   []byte
	haveCachedBlock   bool
}

// OpenUnifiedSegmentReader resolves segment id's current representation —
// fetching it into localCacheDir first if it is a remote stub — and
// returns a reader over its live record region.
func OpenUnifiedSegmentReader(dir string, id uint64, localCacheDir string) (*UnifiedSegmentReader, error) {
	r := &UnifiedSegmentReader{dir: dir, id: id}

	qPath := segment.Path(dir, id)
	if _, err := os.Stat(qPath); err == nil {
		data, err := os.ReadFile(qPath)
		if err != nil {
			return nil, chronicleerr.IO("read", err)
		}
		r.rep = repPlain
		r.data = data
		return r, nil
	}

	if _, err := os.Stat(compressedPath(dir, id)); err == nil {
		return r.openCompressed(compressedPath(dir, id), indexPath(dir, id))
	}

	stubPath := remoteStubPath(dir, id)
	stubBytes, err := os.ReadFile(stubPath)
	if err != nil {
		return nil, chronicleerr.IO("read", err)
	}
	var stub RemoteStub
	if err := json.Unmarshal(stubBytes, &stub); err != nil {
		return nil, chronicleerr.Corrupt("tiering: malformed remote stub")
	}

	cacheSubdir := filepath.Join(localCacheDir, contentHashDir(stub.RemoteURI))
	if err := os.MkdirAll(cacheSubdir, 0o755); err != nil {
		return nil, chronicleerr.IO("mkdir", err)
	}
	localData := filepath.Join(cacheSubdir, "data.zst")
	localIdx := filepath.Join(cacheSubdir, "data.zst.idx")

	remote := FileRemote{Root: ""} // Fetch only needs the URI; Root is unused on the fetch path
	if !fileMatchesSize(localData, stub.SizeBytes) {
		if err := remote.Fetch(stub.RemoteURI, localData); err != nil {
			return nil, err
		}
	}
	if !fileMatchesSize(localIdx, stub.IdxSizeBytes) {
		if err := remote.Fetch(stub.RemoteURI+".idx", localIdx); err != nil {
			return nil, err
		}
	}
	if err := verifySize(localData, stub.SizeBytes); err != nil {
		return nil, err
	}
	if err := verifySize(localIdx, stub.IdxSizeBytes); err != nil {
		return nil, err
	}

	return r.openCompressed(localData, localIdx)
}

func fileMatchesSize(path string, want int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() == want
}

func verifySize(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return chronicleerr.IO("stat", err)
	}
	if info.Size() != want {
		return chronicleerr.Corrupt("tiering: fetched file size mismatch")
	}
	return nil
}

func contentHashDir(uri string) string {
	return strconv.FormatUint(xxhash.Sum64([]byte(uri)), 16)
}

func (r *UnifiedSegmentReader) openCompressed(dataPath, idxPath string) (*UnifiedSegmentReader, error) {
	idx, err := LoadIndex(idxPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, chronicleerr.IO("read", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	r.rep = repCompressed
	r.idx = idx
	r.data = data
	r.dec = dec
	return r, nil
}

// Close releases the decoder, if one was created for a compressed or
// remote representation.
func (r *UnifiedSegmentReader) Close() {
	if r.dec != nil {
		r.dec.Close()
	}
}

// ReadAt returns length bytes of the live (uncompressed) record region
// starting at uncompressed byte offset off. For a compressed/remote
// segment the read may straddle any number of blocks — this decompresses
// each one it touches and stitches them together, so block size is never
// observable through this API.
func (r *UnifiedSegmentReader) ReadAt(off, length int) ([]byte, error) {
	if r.rep == repPlain {
		if off < 0 || length < 0 || off+length > len(r.data) {
			return nil, chronicleerr.Corrupt("tiering: read out of bounds")
		}
		return r.data[off : off+length], nil
	}
	if off < 0 || length < 0 {
		return nil, chronicleerr.Corrupt("tiering: read out of bounds")
	}
	if length == 0 {
		return nil, nil
	}

	block, err := r.blockFor(off)
	if err != nil {
		return nil, err
	}
	localOff := off - int(r.idx.Frames[block].UncompressedOffset)
	if localOff < 0 || localOff > len(r.cachedBlockData) {
		return nil, chronicleerr.Corrupt("tiering: read out of bounds")
	}
	if localOff+length <= len(r.cachedBlockData) {
		// Common case: the whole read lands in one block, no copy needed.
		return r.cachedBlockData[localOff : localOff+length], nil
	}

	// The read straddles a block boundary: stitch the spanning blocks
	// together into a fresh buffer, one decompressed block at a time.
	out := make([]byte, 0, length)
	pos := off
	for len(out) < length {
		block, err := r.blockFor(pos)
		if err != nil {
			return nil, err
		}
		localOff := pos - int(r.idx.Frames[block].UncompressedOffset)
		if localOff < 0 || localOff > len(r.cachedBlockData) {
			return nil, chronicleerr.Corrupt("tiering: read out of bounds")
		}
		n := len(r.cachedBlockData) - localOff
		if remaining := length - len(out); n > remaining {
			n = remaining
		}
		if n <= 0 {
			return nil, chronicleerr.Corrupt("tiering: read out of bounds")
		}
		out = append(out, r.cachedBlockData[localOff:localOff+n]...)
		pos += n
	}
	return out, nil
}

// blockFor ensures the block covering uncompressed offset off is
// decompressed into r.cachedBlockData, reusing the cache if off still
// falls within the previously decompressed block.
func (r *UnifiedSegmentReader) blockFor(off int) (int, error) {
	i := sort.Search(len(r.idx.Frames), func(i int) bool {
		return int(r.idx.Frames[i].UncompressedOffset) > off
	})
	if i == 0 {
		return 0, chronicleerr.Corrupt("tiering: offset before first block")
	}
	block := i - 1

	if r.haveCachedBlock && r.cachedBlock == block {
		return block, nil
	}

	fr := r.idx.Frames[block]
	start := fr.CompressedOffset
	end := start + uint64(fr.CompressedSize)
	if end > uint64(len(r.data)) {
		return 0, chronicleerr.Corrupt("tiering: compressed frame out of bounds")
	}
	decoded, err := r.dec.DecodeAll(r.data[start:end], nil)
	if err != nil {
		return 0, chronicleerr.Corrupt("tiering: zstd decode failed")
	}
	r.cachedBlock = block
	r.cachedBlockData = decoded
	r.haveCachedBlock = true
	return block, nil
}

// Records enumerates every live (non-padding) record in the segment in
// order, starting at dataOffset.
func (r *UnifiedSegmentReader) Records(dataOffset int) ([]wire.Header, [][]byte, error) {
	var headers []wire.Header
	var payloads [][]byte

	off := dataOffset
	total := r.totalLen()
	for off+wire.HeaderSize <= total {
		hdrBuf, err := r.ReadAt(off, wire.HeaderSize)
		if err != nil {
			return nil, nil, err
		}
		pub := wire.LoadPublication(hdrBuf)
		if pub == 0 {
			break
		}
		payloadLen, err := wire.PayloadLenFrom(pub)
		if err != nil {
			return nil, nil, err
		}
		h, err := wire.Decode(hdrBuf)
		if err != nil {
			return nil, nil, err
		}
		recordSize := wire.RecordSize(payloadLen)
		if h.TypeTag != wire.PaddingTypeTag {
			payload, err := r.ReadAt(off+wire.HeaderSize, payloadLen)
			if err != nil {
				return nil, nil, err
			}
			if err := h.ValidateCRC(payload); err != nil {
				return nil, nil, err
			}
			headers = append(headers, h)
			payloads = append(payloads, payload)
		}
		off += recordSize
	}
	return headers, payloads, nil
}

func (r *UnifiedSegmentReader) totalLen() int {
	if r.rep == repPlain {
		return len(r.data)
	}
	if len(r.idx.Frames) == 0 {
		return 0
	}
	last := r.idx.Frames[len(r.idx.Frames)-1]
	return int(last.UncompressedOffset + uint64(last.UncompressedSize))
}
