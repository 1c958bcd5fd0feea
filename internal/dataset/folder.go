package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNoClasses indicates the root holds no class subdirectories.
	ErrNoClasses = errors.New("dataset: no class directories")
	// ErrNoImages indicates a class directory holds no images.
	ErrNoImages = errors.New("dataset: no images")
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// Sample is one labeled image on disk.
type Sample struct {
	Path  string
	Label int
}

// ImageFolder is a dataset laid out as one subdirectory per class.
// Labels follow the lexical order of the class directory names.
type ImageFolder struct {
	root    string
	classes []string
	samples []Sample
}

// Discover scans root and indexes every image below each class directory.
func Discover(root string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoClasses, root)
	}
	sort.Strings(classes)

	folder := &ImageFolder{root: root, classes: classes}
	for label, class := range classes {
		files, err := listImages(filepath.Join(root, class))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("%w for class %q under %s", ErrNoImages, class, root)
		}
		for _, f := range files {
			folder.samples = append(folder.samples, Sample{Path: f, Label: label})
		}
	}
	return folder, nil
}

func listImages(dir string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if imageExts[strings.ToLower(filepath.Ext(d.Name()))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Root returns the directory the folder was discovered from.
func (f *ImageFolder) Root() string { return f.root }

// Len returns the number of samples.
func (f *ImageFolder) Len() int { return len(f.samples) }

// Classes returns class names indexed by label.
func (f *ImageFolder) Classes() []string {
	return append([]string(nil), f.classes...)
}

// NumClasses returns the number of classes.
func (f *ImageFolder) NumClasses() int { return len(f.classes) }

// Sample returns the i-th sample.
func (f *ImageFolder) Sample(i int) Sample { return f.samples[i] }

// ClassCounts returns the number of samples per class name.
func (f *ImageFolder) ClassCounts() map[string]int {
	counts := make(map[string]int, len(f.classes))
	for _, s := range f.samples {
		counts[f.classes[s.Label]]++
	}
	return counts
}
