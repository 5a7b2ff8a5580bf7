// Package registry resolves which two connector versions a comparison
// runs against: the current (control) version from the connector's
// metadata file and the latest published (target) version from the
// package index.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoTargetVersion means the newest published version is already
	// the control version; there is nothing to compare against.
	ErrNoTargetVersion = errors.New("no target version newer than control")

	// ErrNotPublished means the connector has no enabled package-index
	// registration in its metadata.
	ErrNotPublished = errors.New("connector not published to a package index")
)

// Metadata is the subset of a connector metadata file the harness needs.
type Metadata struct {
	Data struct {
		DockerImageTag   string `yaml:"dockerImageTag"`
		RemoteRegistries struct {
			PyPI struct {
				Enabled     bool   `yaml:"enabled"`
				PackageName string `yaml:"packageName"`
			} `yaml:"pypi"`
		} `yaml:"remoteRegistries"`
	} `yaml:"data"`
}

// LoadMetadata reads a connector metadata YAML file.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var md Metadata
	if err := yaml.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &md, nil
}

// CurrentVersion is the released version the control run executes.
func (m *Metadata) CurrentVersion() string { return m.Data.DockerImageTag }

// PackageName returns the package-index name, or ErrNotPublished when
// the registration is absent or disabled.
func (m *Metadata) PackageName() (string, error) {
	reg := m.Data.RemoteRegistries.PyPI
	if !reg.Enabled || reg.PackageName == "" {
		return "", ErrNotPublished
	}
	return reg.PackageName, nil
}

// Client queries a PyPI-compatible package index.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://pypi.org"
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// releaseIndex is the slice of the index's JSON API we consume.
type releaseIndex struct {
	Releases map[string][]struct {
		UploadTime string `json:"upload_time"`
	} `json:"releases"`
}

// LatestVersion returns the most recently uploaded release of the
// package. It returns ErrNoTargetVersion when that release is already
// currentVersion.
func (c *Client) LatestVersion(ctx context.Context, packageName, currentVersion string) (string, error) {
	url := fmt.Sprintf("%s/pypi/%s/json", c.baseURL, packageName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query package index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("package index returned %s for %s", resp.Status, packageName)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var idx releaseIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return "", fmt.Errorf("parse package index response: %w", err)
	}
	if len(idx.Releases) == 0 {
		return "", fmt.Errorf("%w: %s has no releases", ErrNoTargetVersion, packageName)
	}

	type release struct {
		version  string
		uploaded time.Time
	}
	releases := make([]release, 0, len(idx.Releases))
	for version, files := range idx.Releases {
		if len(files) == 0 {
			continue
		}
		uploaded, err := time.Parse("2006-01-02T15:04:05", files[0].UploadTime)
		if err != nil {
			continue
		}
		releases = append(releases, release{version: version, uploaded: uploaded})
	}
	if len(releases) == 0 {
		return "", fmt.Errorf("%w: %s has no dated releases", ErrNoTargetVersion, packageName)
	}

	sort.Slice(releases, func(a, b int) bool {
		return releases[a].uploaded.After(releases[b].uploaded)
	})
	newest := releases[0].version
	if newest == currentVersion {
		return "", fmt.Errorf("%w: %s is already at %s", ErrNoTargetVersion, packageName, currentVersion)
	}
	return newest, nil
}
