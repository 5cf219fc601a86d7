package files

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"keygen/internal/certificate"
)

// FileInfo represents information about a discovered certificate
type FileInfo struct {
	Path      string
	Name      string
	Namespace string
	Size      int64
	ModTime   time.Time
}

// Discovery provides certificate discovery operations
type Discovery struct {
	basePath string
}

// NewDiscovery creates a new file discovery instance
func NewDiscovery(basePath string) *Discovery {
	return &Discovery{basePath: basePath}
}

// FindCertificates finds every armored certificate in dir, oldest first.
// An empty namespace matches both license and machine files.
func (d *Discovery) FindCertificates(dir, namespace string) ([]FileInfo, error) {
	fullPath := dir
	if !filepath.IsAbs(dir) {
		fullPath = filepath.Join(d.basePath, dir)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", fullPath, err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(fullPath, entry.Name())
		ns, ok := sniffNamespace(path)
		if !ok || (namespace != "" && ns != namespace) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Path:      path,
			Name:      entry.Name(),
			Namespace: ns,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// FindLatest returns the most recently modified certificate in dir.
func (d *Discovery) FindLatest(dir, namespace string) (*FileInfo, error) {
	files, err := d.FindCertificates(dir, namespace)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrNotFound, dir)
	}
	return &files[len(files)-1], nil
}

// sniffNamespace reads the first non-blank line looking for an armor header.
func sniffNamespace(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, ns := range []string{certificate.LicenseNamespace, certificate.MachineNamespace} {
			if line == "-----BEGIN "+strings.ToUpper(ns)+" FILE-----" {
				return ns, true
			}
		}
		return "", false
	}
	return "", false
}
