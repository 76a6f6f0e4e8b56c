// Package framestore persists captured frames under their capture
// identifier and maintains the frame directory.
package framestore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"

	"github.com/jamesainslie/lapse/pkg/lapse/logging"
)

// Prefix starts every frame identifier.
const Prefix = "capture_"

const idLayout = "20060102_150405"

// Supported formats.
const (
	FormatPNG  = "png"
	FormatJPG  = "jpg"
	FormatWebP = "webp"
	FormatTIFF = "tiff"
)

var extensions = map[string]string{
	FormatPNG:  ".png",
	FormatJPG:  ".jpg",
	FormatWebP: ".webp",
	FormatTIFF: ".tiff",
}

var (
	// ErrFormat is returned for an unknown output format.
	ErrFormat = errors.New("unsupported frame format")

	// ErrNoFrames is returned by Latest on an empty store.
	ErrNoFrames = errors.New("no frames stored")
)

// Error is a persistence failure.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("framestore %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ID returns the identifier of a frame captured at t.
func ID(t time.Time) string {
	return Prefix + t.Format(idLayout)
}

// ParseID recovers the capture time encoded in an identifier or file name.
func ParseID(id string) (time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(id), filepath.Ext(id))
	if !strings.HasPrefix(base, Prefix) {
		return time.Time{}, fmt.Errorf("not a frame identifier: %q", id)
	}
	return time.ParseInLocation(idLayout, strings.TrimPrefix(base, Prefix), time.Local)
}

// Options configure a Store.
type Options struct {
	Dir     string
	Format  string
	Quality int

	// Overlay stamps the capture time into the bottom-left corner.
	Overlay bool
}

// Frame describes a stored frame.
type Frame struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Stats summarises the frame directory.
type Stats struct {
	Count  int       `json:"count"`
	Bytes  int64     `json:"bytes"`
	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Removed int
	Bytes   int64
}

// Store writes frames into a directory.
type Store struct {
	opts Options
	log  *logging.Logger
}

// New creates the frame directory if needed.
func New(opts Options) (*Store, error) {
	if opts.Format == "" {
		opts.Format = FormatPNG
	}
	opts.Format = strings.ToLower(opts.Format)
	if opts.Format == "jpeg" {
		opts.Format = FormatJPG
	}
	if _, ok := extensions[opts.Format]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrFormat, opts.Format)
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 90
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Path: opts.Dir, Err: err}
	}
	return &Store{opts: opts, log: logging.Get("framestore")}, nil
}

// Dir returns the frame directory.
func (s *Store) Dir() string { return s.opts.Dir }

// Path returns where the frame id is stored.
func (s *Store) Path(id string) string {
	return filepath.Join(s.opts.Dir, id+extensions[s.opts.Format])
}

// Save encodes img under id and returns its path. The file appears
// atomically; a frame with the same id is replaced.
func (s *Store) Save(img image.Image, id string) (string, error) {
	path := s.Path(id)
	if img == nil || img.Bounds().Empty() {
		return "", &Error{Op: "save", Path: path, Err: errors.New("empty frame")}
	}

	if s.opts.Overlay {
		label := id
		if t, err := ParseID(id); err == nil {
			label = t.Format("2006-01-02 15:04:05")
		}
		img = Stamp(img, label)
	}

	tmp, err := os.CreateTemp(s.opts.Dir, ".frame-*.tmp")
	if err != nil {
		return "", &Error{Op: "create", Path: path, Err: err}
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := s.encode(tmp, img); err != nil {
		return "", &Error{Op: "encode", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &Error{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", &Error{Op: "rename", Path: path, Err: err}
	}
	tmp = nil

	s.log.Debug("frame saved", "id", id, "path", path)
	return path, nil
}

func (s *Store) encode(w io.Writer, img image.Image) error {
	switch s.opts.Format {
	case FormatWebP:
		return webp.Encode(w, img, &webp.Options{Quality: float32(s.opts.Quality)})
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case FormatJPG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(s.opts.Quality))
	default:
		return imaging.Encode(w, img, imaging.PNG)
	}
}

// Stamp draws label onto a copy of img on a dark strip in the bottom-left
// corner.
func Stamp(img image.Image, label string) image.Image {
	dst := imaging.Clone(img)
	face := basicfont.Face7x13
	b := dst.Bounds()

	const pad = 4
	width := font.MeasureString(face, label).Ceil()
	height := face.Metrics().Height.Ceil()
	strip := image.Rect(b.Min.X, b.Max.Y-height-2*pad, b.Min.X+width+2*pad, b.Max.Y).Intersect(b)
	draw.Draw(dst, strip, image.NewUniform(color.NRGBA{A: 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(b.Min.X+pad, b.Max.Y-pad-face.Metrics().Descent.Ceil()),
	}
	d.DrawString(label)
	return dst
}

// List returns the stored frames ordered by identifier, oldest first.
func (s *Store) List(ctx context.Context) ([]Frame, error) {
	var (
		mu     sync.Mutex
		frames []Frame
	)

	conf := fastwalk.Config{Follow: false}
	root := filepath.Clean(s.opts.Dir)
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return fastwalk.ErrSkipFiles
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root {
				return fastwalk.SkipDir
			}
			return nil
		}
		if !isFrame(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		f := Frame{
			ID:      strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
		return nil
	})
	if err != nil && !errors.Is(err, fastwalk.ErrSkipFiles) {
		return nil, &Error{Op: "walk", Path: root, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(frames, func(i, j int) bool {
		if frames[i].ID == frames[j].ID {
			return frames[i].Path < frames[j].Path
		}
		return frames[i].ID < frames[j].ID
	})
	return frames, nil
}

// Latest returns the most recent frame.
func (s *Store) Latest(ctx context.Context) (Frame, error) {
	frames, err := s.List(ctx)
	if err != nil {
		return Frame{}, err
	}
	if len(frames) == 0 {
		return Frame{}, ErrNoFrames
	}
	return frames[len(frames)-1], nil
}

// Stats summarises the stored frames.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	frames, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, f := range frames {
		st.Count++
		st.Bytes += f.Size
		t := frameTime(f)
		if st.Oldest.IsZero() || t.Before(st.Oldest) {
			st.Oldest = t
		}
		if t.After(st.Newest) {
			st.Newest = t
		}
	}
	return st, nil
}

// Prune removes frames captured before now-maxAge and, when maxFrames is
// positive, the oldest frames beyond that count. Zero disables a limit.
func (s *Store) Prune(ctx context.Context, now time.Time, maxAge time.Duration, maxFrames int) (PruneResult, error) {
	frames, err := s.List(ctx)
	if err != nil {
		return PruneResult{}, err
	}

	var res PruneResult
	var errs []error
	remove := func(f Frame) {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, &Error{Op: "remove", Path: f.Path, Err: err})
			return
		}
		res.Removed++
		res.Bytes += f.Size
	}

	keep := frames[:0]
	for _, f := range frames {
		if maxAge > 0 && frameTime(f).Before(now.Add(-maxAge)) {
			remove(f)
			continue
		}
		keep = append(keep, f)
	}
	if maxFrames > 0 && len(keep) > maxFrames {
		for _, f := range keep[:len(keep)-maxFrames] {
			remove(f)
		}
	}

	if res.Removed > 0 {
		s.log.Info("pruned frames", "removed", res.Removed, "bytes", res.Bytes)
	}
	return res, errors.Join(errs...)
}

func isFrame(name string) bool {
	if !strings.HasPrefix(name, Prefix) {
		return false
	}
	ext := filepath.Ext(name)
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// frameTime prefers the capture time in the identifier over the mtime.
func frameTime(f Frame) time.Time {
	if t, err := ParseID(f.ID); err == nil {
		return t
	}
	return f.ModTime
}
