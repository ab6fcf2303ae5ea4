// Package tiering implements the two background storage transitions a
// sealed segment goes through (sealed → compressed → remote) and the
// UnifiedSegmentReader that hides all three on-disk representations
// behind one record-read API.
package tiering

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/chronicle-journal/chronicle/chronicleerr"
	"github.com/chronicle-journal/chronicle/internal/fsutil"
	"github.com/chronicle-journal/chronicle/internal/segment"
)

// DefaultBlockSize is the uncompressed block size each independently
// decodable frame covers; must be a power of two.
const DefaultBlockSize = 1 << 20 // 1 MiB

const (
	idxMagic      = "QZSTIDX1"
	idxHeaderLen  = 32
	idxVersion    = uint16(1)
	idxFrameLen   = 24
	compressedExt = ".zst"
	idxExt        = ".zst.idx"
	remoteExt     = ".zst.remote.json"
)

// Frame describes one independently decodable compressed block.
type Frame struct {
	UncompressedOffset uint64
	CompressedOffset   uint64
	CompressedSize     uint32
	UncompressedSize   uint32
}

// Index is the decoded `.q.zst.idx` sidecar.
type Index struct {
	BlockSize uint32
	Frames    []Frame
}

// RemoteStub is the decoded `.q.zst.remote.json` sidecar.
type RemoteStub struct {
	RemoteURI  string `json:"remote_uri"`
	SizeBytes  int64  `json:"size_bytes"`
	IdxSizeBytes int64 `json:"idx_size_bytes"`
}

// SegmentMeta is the optional `meta.json` sidecar written by
// WriteSegmentMeta. Its fields are supplied by the caller; this package
// does not infer them, and Worker does not write the sidecar itself.
type SegmentMeta struct {
	SymbolCode     string `json:"symbol_code,omitempty"`
	Venue          string `json:"venue,omitempty"`
	IngestTimeNS   uint64 `json:"ingest_time_ns"`
	MinEventTimeNS uint64 `json:"min_event_time_ns"`
	MaxEventTimeNS uint64 `json:"max_event_time_ns"`
	Completeness   string `json:"completeness,omitempty"`
}

// Remote is the minimal interface a remote object store must satisfy for
// the Compressed → Remote transition and for UnifiedSegmentReader's
// fetch-on-demand path. A filesystem-backed implementation (FileRemote,
// below) is provided for local/NFS-style remote roots; production
// deployments substitute an object-store-backed Remote.
type Remote interface {
	// Put uploads localPath's contents to a remote location named key and
	// returns the URI that later identifies it to Fetch.
	Put(key string, localPath string) (uri string, err error)
	// Fetch downloads the object named by uri to destPath.
	Fetch(uri string, destPath string) error
}

// FileRemote implements Remote over a plain local/NFS directory tree —
// grounded on the spec's "configured remote root" being a filesystem path
// in the absence of any object-store SDK in the retrieval pack.
type FileRemote struct {
	Root string
}

func (r FileRemote) Put(key, localPath string) (string, error) {
	dest := filepath.Join(r.Root, key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", chronicleerr.IO("mkdir", err)
	}
	if err := copyFile(localPath, dest); err != nil {
		return "", err
	}
	return "file://" + dest, nil
}

func (r FileRemote) Fetch(uri, destPath string) error {
	path := strings.TrimPrefix(uri, "file://")
	return copyFile(path, destPath)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return chronicleerr.IO("read", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return chronicleerr.IO("mkdir", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return chronicleerr.IO("write", err)
	}
	return nil
}

// Config configures a Worker.
type Config struct {
	// BlockSize is the uncompressed block size for compression framing.
	BlockSize uint32
	// ColdThreshold is how long a segment must have been SEALED before it
	// is eligible for compression. Zero means "as soon as sealed".
	ColdThreshold time.Duration
	// RemoteThreshold is how long a segment must have been compressed
	// before it is eligible for the remote transition. A negative value
	// disables the remote transition entirely.
	RemoteThreshold time.Duration
	// Remote is where compressed segments are copied for the
	// Compressed → Remote transition. Nil also disables that transition.
	Remote Remote
	// LocalCacheDir caches remote-fetched segments for
	// UnifiedSegmentReader, in subdirectories named by a hash of the remote
	// URI to avoid collisions.
	LocalCacheDir string
	// ScanInterval is how often Run re-scans the directory.
	ScanInterval time.Duration
	// Now returns the current time; overridable for deterministic tests.
	Now func() time.Time
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker periodically scans a journal directory and drives the
// sealed→compressed→remote transitions.
type Worker struct {
	dir string
	cfg Config
}

// NewWorker constructs a Worker over dir.
func NewWorker(dir string, cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{dir: dir, cfg: cfg}
}

// ScanOnce runs one compression pass and one remote pass over dir,
// logging and continuing past any single segment's failure.
func (w *Worker) ScanOnce() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.cfg.Logger.Error("tiering: scan failed", "err", err)
		return
	}

	now := w.cfg.Now()
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		switch {
		case strings.HasSuffix(name, ".q"):
			id, ok := parseSegmentID(strings.TrimSuffix(name, ".q"))
			if !ok {
				continue
			}
			w.maybeCompress(id, now)
		case strings.HasSuffix(name, compressedExt) && !strings.HasSuffix(name, idxExt):
			id, ok := parseSegmentID(strings.TrimSuffix(name, compressedExt))
			if !ok {
				continue
			}
			w.maybeRemote(id, now)
		}
	}
}

// Run calls ScanOnce on ScanInterval until stopCh is closed.
func (w *Worker) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.ScanOnce()
		case <-stopCh:
			return
		}
	}
}

func (w *Worker) maybeCompress(id uint64, now time.Time) {
	info, err := os.Stat(segment.Path(w.dir, id))
	if err != nil {
		return
	}
	if now.Sub(info.ModTime()) < w.cfg.ColdThreshold {
		return
	}
	seg, err := segment.Open(w.dir, id, info.Size(), false)
	if err != nil {
		w.cfg.Logger.Error("tiering: open for compression failed", "segment_id", id, "err", err)
		return
	}
	defer seg.Close()
	if !seg.Sealed() {
		return
	}
	if err := CompressSegment(w.dir, id, w.cfg.BlockSize); err != nil {
		w.cfg.Logger.Error("tiering: compress failed", "segment_id", id, "err", err)
		return
	}
	w.cfg.Logger.Info("tiering: compressed segment", "segment_id", id)
}

func (w *Worker) maybeRemote(id uint64, now time.Time) {
	if w.cfg.Remote == nil || w.cfg.RemoteThreshold < 0 {
		return
	}
	path := compressedPath(w.dir, id)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if now.Sub(info.ModTime()) < w.cfg.RemoteThreshold {
		return
	}
	if err := PromoteToRemote(w.dir, id, w.cfg.Remote); err != nil {
		w.cfg.Logger.Error("tiering: remote promotion failed", "segment_id", id, "err", err)
		return
	}
	w.cfg.Logger.Info("tiering: promoted segment to remote", "segment_id", id)
}

func compressedPath(dir string, id uint64) string {
	return segment.Path(dir, id) + compressedExt
}

func indexPath(dir string, id uint64) string {
	return segment.Path(dir, id) + idxExt
}

func remoteStubPath(dir string, id uint64) string {
	return segment.Path(dir, id) + remoteExt
}

// CompressSegment performs the Sealed → Compressed transition for one
// segment: read in blockSize blocks, compress each block into an
// independently decodable zstd frame, write the data file and index
// atomically (temp-then-rename), fsync both, then delete the original.
func CompressSegment(dir string, id uint64, blockSize uint32) error {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	qPath := segment.Path(dir, id)
	data, err := os.ReadFile(qPath)
	if err != nil {
		return chronicleerr.IO("read", err)
	}
	if len(data) < segment.HeaderSize {
		return chronicleerr.Corrupt("tiering: segment shorter than header")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("tiering: new zstd encoder: %w", err)
	}
	defer enc.Close()

	dataTmp := qPath + compressedExt + ".tmp"
	idxTmp := qPath + idxExt + ".tmp"

	df, err := os.OpenFile(dataTmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return chronicleerr.IO("create", err)
	}
	ok := false
	defer func() {
		fsutil.CloseAndRemoveUnlessOK(df, &ok)
		if !ok {
			os.Remove(idxTmp)
		}
	}()

	var frames []Frame
	var compressedOffset uint64
	for off := 0; off < len(data); off += int(blockSize) {
		end := off + int(blockSize)
		if end > len(data) {
			end = len(data)
		}
		block := data[off:end]
		compressed := enc.EncodeAll(block, nil)
		if _, err := df.Write(compressed); err != nil {
			return chronicleerr.IO("write", err)
		}
		frames = append(frames, Frame{
			UncompressedOffset: uint64(off),
			CompressedOffset:   compressedOffset,
			CompressedSize:     uint32(len(compressed)),
			UncompressedSize:   uint32(end - off),
		})
		compressedOffset += uint64(len(compressed))
	}
	if err := df.Sync(); err != nil {
		return chronicleerr.IO("fsync", err)
	}
	if err := df.Close(); err != nil {
		return chronicleerr.IO("close", err)
	}

	if err := writeIndex(idxTmp, blockSize, frames); err != nil {
		return err
	}

	finalData := compressedPath(dir, id)
	finalIdx := indexPath(dir, id)
	if err := os.Rename(dataTmp, finalData); err != nil {
		return chronicleerr.IO("rename", err)
	}
	if err := os.Rename(idxTmp, finalIdx); err != nil {
		return chronicleerr.IO("rename", err)
	}
	ok = true

	if err := os.Remove(qPath); err != nil && !os.IsNotExist(err) {
		return chronicleerr.IO("remove", err)
	}
	idxSidecar := qPath[:len(qPath)-len(".q")] + ".idx"
	_ = os.Remove(idxSidecar) // seek index sidecar is superseded by the compressed idx

	return nil
}

func writeIndex(path string, blockSize uint32, frames []Frame) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return chronicleerr.IO("create", err)
	}
	ok := false
	defer fsutil.CloseUnlessOK(f, &ok)

	frameBytes := make([]byte, len(frames)*idxFrameLen)
	for i, fr := range frames {
		e := frameBytes[i*idxFrameLen : (i+1)*idxFrameLen]
		binary.LittleEndian.PutUint64(e[0:8], fr.UncompressedOffset)
		binary.LittleEndian.PutUint64(e[8:16], fr.CompressedOffset)
		binary.LittleEndian.PutUint32(e[16:20], fr.CompressedSize)
		binary.LittleEndian.PutUint32(e[20:24], fr.UncompressedSize)
	}

	hdr := make([]byte, idxHeaderLen)
	copy(hdr[0:8], idxMagic)
	binary.LittleEndian.PutUint16(hdr[8:10], idxVersion)
	binary.LittleEndian.PutUint16(hdr[10:12], idxHeaderLen)
	binary.LittleEndian.PutUint32(hdr[12:16], blockSize)
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(frames)))
	binary.LittleEndian.PutUint64(hdr[24:32], xxhash.Sum64(frameBytes))
	if _, err := f.Write(hdr); err != nil {
		return chronicleerr.IO("write", err)
	}
	if _, err := f.Write(frameBytes); err != nil {
		return chronicleerr.IO("write", err)
	}
	if err := f.Sync(); err != nil {
		return chronicleerr.IO("fsync", err)
	}
	ok = true
	return f.Close()
}

// LoadIndex reads a `.q.zst.idx` sidecar.
func LoadIndex(path string) (Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Index{}, chronicleerr.IO("read", err)
	}
	if len(data) < idxHeaderLen {
		return Index{}, chronicleerr.Corrupt("tiering: index header truncated")
	}
	if string(data[0:8]) != idxMagic {
		return Index{}, chronicleerr.Corrupt("tiering: index bad magic")
	}
	version := binary.LittleEndian.Uint16(data[8:10])
	if version != idxVersion {
		return Index{}, chronicleerr.ErrUnsupportedVersion
	}
	headerLen := binary.LittleEndian.Uint16(data[10:12])
	blockSize := binary.LittleEndian.Uint32(data[12:16])
	frameCount := binary.LittleEndian.Uint64(data[16:24])
	wantSum := binary.LittleEndian.Uint64(data[24:32])

	rest := data[headerLen:]
	if uint64(len(rest)) < frameCount*idxFrameLen {
		return Index{}, chronicleerr.Corrupt("tiering: index frames truncated")
	}
	if xxhash.Sum64(rest[:frameCount*idxFrameLen]) != wantSum {
		return Index{}, chronicleerr.Corrupt("tiering: index frame table checksum mismatch")
	}
	frames := make([]Frame, frameCount)
	for i := range frames {
		e := rest[i*idxFrameLen : (i+1)*idxFrameLen]
		frames[i] = Frame{
			UncompressedOffset: binary.LittleEndian.Uint64(e[0:8]),
			CompressedOffset:   binary.LittleEndian.Uint64(e[8:16]),
			CompressedSize:     binary.LittleEndian.Uint32(e[16:20]),
			UncompressedSize:   binary.LittleEndian.Uint32(e[20:24]),
		}
	}
	return Index{BlockSize: blockSize, Frames: frames}, nil
}

// PromoteToRemote performs the Compressed → Remote transition: copy the
// compressed data and index to remote, write the stub, then delete the
// local compressed copies.
func PromoteToRemote(dir string, id uint64, remote Remote) error {
	dataPath := compressedPath(dir, id)
	idxPath := indexPath(dir, id)

	dataInfo, err := os.Stat(dataPath)
	if err != nil {
		return chronicleerr.IO("stat", err)
	}
	idxInfo, err := os.Stat(idxPath)
	if err != nil {
		return chronicleerr.IO("stat", err)
	}

	key := segment.Filename(id) + compressedExt
	uri, err := remote.Put(key, dataPath)
	if err != nil {
		return err
	}
	idxKey := segment.Filename(id) + idxExt
	if _, err := remote.Put(idxKey, idxPath); err != nil {
		return err
	}

	stub := RemoteStub{RemoteURI: uri, SizeBytes: dataInfo.Size(), IdxSizeBytes: idxInfo.Size()}
	stubBytes, err := json.Marshal(stub)
	if err != nil {
		return fmt.Errorf("tiering: marshal remote stub: %w", err)
	}
	stubTmp := remoteStubPath(dir, id) + ".tmp"
	if err := os.WriteFile(stubTmp, stubBytes, 0o644); err != nil {
		return chronicleerr.IO("write", err)
	}
	if err := os.Rename(stubTmp, remoteStubPath(dir, id)); err != nil {
		return chronicleerr.IO("rename", err)
	}

	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return chronicleerr.IO("remove", err)
	}
	if err := os.Remove(idxPath); err != nil && !os.IsNotExist(err) {
		return chronicleerr.IO("remove", err)
	}
	return nil
}

// WriteSegmentMeta writes the best-effort `meta.json` sidecar for segment
// id, atomically.
func WriteSegmentMeta(dir string, id uint64, meta SegmentMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("tiering: marshal segment meta: %w", err)
	}
	final := filepath.Join(dir, fmt.Sprintf("%09d.meta.json", id))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return chronicleerr.IO("write", err)
	}
	return chronicleerr.IO("rename", os.Rename(tmp, final))
}

func parseSegmentID(stem string) (uint64, bool) {
	var id uint64
	n, err := fmt.Sscanf(stem, "%09d", &id)
	if err != nil || n != 1 {
		return 0, false
	}
	return id, true
}
