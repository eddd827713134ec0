// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus implements the ImageCorpusReader: it reads images organized in label directories (one directory
// per class) into a dataset.LabeledImageSet and its dataset.LabelIndex.
package corpus

import (
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/denoiser/pkg/config"
	"github.com/gomlx/denoiser/pkg/dataset"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/exceptions"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/schollz/progressbar/v3"
)

// Reader reads label directories into a LabeledImageSet.
type Reader struct {
	size         config.ImageSize
	observer     diagnostics.Observer
	showProgress bool
}

// NewReader creates a Reader that resizes every image to size.
// If observer is nil, diagnostics.Klog is used.
func NewReader(size config.ImageSize, observer diagnostics.Observer) *Reader {
	return &Reader{size: size, observer: diagnostics.OrDefault(observer)}
}

// WithProgressBar configures whether a progress bar is displayed while decoding the images.
// It returns the Reader, so configuration calls can be cascaded.
func (r *Reader) WithProgressBar(show bool) *Reader {
	r.showProgress = show
	return r
}

// Result of Reader.Read.
type Result struct {
	Set   *dataset.LabeledImageSet
	Index *dataset.LabelIndex

	// Skipped lists the files that failed to decode.
	Skipped []string
}

type labeledFile struct {
	path  string
	class int
}

// Read every regular file of each directory in dirs, in order.
//
// The label of a file is the index of its directory in dirs, and its tag is the directory base name.
// Files are read in name order within a directory. Each one is decoded as an RGB image and resized to the
// configured size with area averaging (imaging.Box). Files that fail to decode are skipped with a warning.
//
// Only tags with at least one image are kept in the LabelIndex, and the class indices are compacted to
// the kept tags, preserving the directory order.
//
// It fails with a failure.KindCorpusRead error if a directory can't be listed or no image could be read.
func (r *Reader) Read(dirs []string) (*Result, error) {
	const op = "corpus.Read"
	if r.size.Height <= 0 || r.size.Width <= 0 {
		return nil, failure.New(failure.KindCorpusRead, op, "invalid image size %dx%d", r.size.Height, r.size.Width)
	}
	if len(dirs) == 0 {
		return nil, failure.New(failure.KindCorpusRead, op, "no label directories given")
	}
	tags := make([]string, len(dirs))
	for ii, dir := range dirs {
		tags[ii] = dataset.TagFromDir(dir)
	}
	declared, err := dataset.NewLabelIndex(tags)
	if err != nil {
		return nil, err
	}

	var files []labeledFile
	for class, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, failure.Wrapf(failure.KindCorpusRead, op, err, "listing label directory %q", dir)
		}
		count := 0
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			switch {
			case entry.Type().IsRegular():
			case entry.Type()&fs.ModeSymlink != 0:
				info, err := os.Stat(path)
				if err != nil || !info.Mode().IsRegular() {
					r.observer.Warnf("skipping %q: symbolic link does not point to a regular file", path)
					continue
				}
			case entry.IsDir():
				r.observer.Debugf("skipping sub-directory %q", path)
				continue
			default:
				r.observer.Warnf("skipping %q: not a regular file", path)
				continue
			}
			files = append(files, labeledFile{path: path, class: class})
			count++
		}
		if count == 0 {
			r.observer.Warnf("label directory %q (tag %q) has no files", dir, tags[class])
		}
	}
	r.observer.Infof("reading %s files from %d label directories", humanize.Comma(int64(len(files))), len(dirs))

	var bar *progressbar.ProgressBar
	if r.showProgress && len(files) > 0 {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Reading images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionThrottle(250*time.Millisecond),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	result := &Result{}
	images := make([]image.Image, 0, len(files))
	classes := make([]int, 0, len(files))
	observed := make([]bool, len(dirs))
	for _, file := range files {
		img, err := r.decode(file.path)
		if bar != nil {
			_ = bar.Add(1)
		}
		if err != nil {
			r.observer.Warnf("skipping %q: %v", file.path, err)
			result.Skipped = append(result.Skipped, file.path)
			continue
		}
		images = append(images, img)
		classes = append(classes, file.class)
		observed[file.class] = true
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if len(images) == 0 {
		return nil, failure.New(failure.KindCorpusRead, op, "no readable images found in %d label directories (%d files skipped)",
			len(dirs), len(result.Skipped))
	}

	// Compact class indices to the observed tags.
	result.Index, err = declared.Restrict(func(idx int) bool { return observed[idx] })
	if err != nil {
		return nil, failure.Wrap(failure.KindCorpusRead, op, err)
	}
	remap := make([]int, len(dirs))
	for class := range dirs {
		remap[class], _ = result.Index.Index(tags[class])
	}
	for ii, class := range classes {
		classes[ii] = remap[class]
	}
	for class, seen := range observed {
		if !seen {
			r.observer.Warnf("tag %q has no readable images and is left out of the label index", tags[class])
		}
	}

	err = exceptions.TryCatch[error](func() {
		imagesT := timage.ToTensor(dtypes.Uint8).Batch(images)
		labels, err := dataset.OneHot(classes, result.Index.Len())
		if err != nil {
			panic(err)
		}
		result.Set, err = dataset.NewLabeledImageSet(imagesT, labels)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, failure.Wrap(failure.KindCorpusRead, op, err)
	}
	r.observer.Infof("read %s, label index %s", result.Set, result.Index)
	return result, nil
}

// decode reads the image file, applying any EXIF orientation, and resizes it.
func (r *Reader) decode(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	return imaging.Resize(img, r.size.Width, r.size.Height, imaging.Box), nil
}
