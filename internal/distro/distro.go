// Package distro detects the operating system of a remote host and resolves the
// platform-specific package manager and service manager for it.
package distro

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Descriptor describes a detected distribution.
type Descriptor struct {
	Name           string
	NormalizedName string
	Release        string
	Codename       string
}

func (d Descriptor) String() string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", d.Name, d.Release, d.Codename))
}

// FileReader reads a file from the host being inspected.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSReleasePaths are tried in order.
var OSReleasePaths = []string{"/etc/os-release", "/usr/lib/os-release"}

var codenameInVersion = regexp.MustCompile(`\(([^)]+)\)`)

// Detect reads os-release from the host and builds a Descriptor.
func Detect(ctx context.Context, r FileReader) (Descriptor, error) {
	var lastErr error
	for _, p := range OSReleasePaths {
		if err := ctx.Err(); err != nil {
			return Descriptor{}, err
		}
		data, err := r.ReadFile(p)
		if err != nil {
			lastErr = err
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Descriptor{}, fmt.Errorf("read %s: %w", p, err)
		}
		return ParseOSRelease(data)
	}
	return Descriptor{}, fmt.Errorf("no os-release file found: %w", lastErr)
}

// ParseOSRelease parses the contents of an os-release file.
func ParseOSRelease(data []byte) (Descriptor, error) {
	kv, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return Descriptor{}, fmt.Errorf("parse os-release: %w", err)
	}
	d := Descriptor{
		Name:     kv["NAME"],
		Release:  kv["VERSION_ID"],
		Codename: kv["VERSION_CODENAME"],
	}
	if d.Codename == "" {
		if m := codenameInVersion.FindStringSubmatch(kv["VERSION"]); m != nil {
			d.Codename = m[1]
		}
	}
	if d.Name == "" {
		d.Name = kv["ID"]
	}
	if d.Name == "" {
		return Descriptor{}, errors.New("parse os-release: neither NAME nor ID is set")
	}
	d.NormalizedName = Normalize(kv["ID"], kv["ID_LIKE"], d.Name)
	return d, nil
}

// Normalize maps an os-release ID (falling back to ID_LIKE and then NAME) to a
// distro family.
func Normalize(id, idLike, name string) string {
	candidates := []string{strings.ToLower(id)}
	candidates = append(candidates, strings.Fields(strings.ToLower(idLike))...)
	candidates = append(candidates, strings.ToLower(name))
	for _, c := range candidates {
		if f := family(c); f != "" {
			return f
		}
	}
	if id != "" {
		return strings.ToLower(id)
	}
	return strings.ToLower(strings.Fields(name + " unknown")[0])
}

func family(s string) string {
	switch {
	case s == "":
		return ""
	case s == "sles" || s == "sled" || strings.Contains(s, "suse"):
		return "suse"
	case s == "rhel" || strings.HasPrefix(s, "red hat") || strings.HasPrefix(s, "redhat"):
		return "redhat"
	case strings.HasPrefix(s, "centos"):
		return "centos"
	case strings.HasPrefix(s, "fedora"):
		return "fedora"
	case strings.HasPrefix(s, "rocky"):
		return "rocky"
	case strings.HasPrefix(s, "alma"):
		return "alma"
	case s == "ol" || strings.HasPrefix(s, "oracle"):
		return "oracle"
	case strings.HasPrefix(s, "ubuntu"):
		return "ubuntu"
	case strings.HasPrefix(s, "debian"):
		return "debian"
	case strings.HasPrefix(s, "arch"):
		return "arch"
	}
	return ""
}
