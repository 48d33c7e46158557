package upload

import (
	"testing"

	"github.com/mikeyg42/allsky/internal/config"
)

func TestObjectKeyKeepsDayLayout(t *testing.T) {
	u := &Uploader{cfg: config.UploadConfig{Prefix: "site1"}}

	cases := []struct {
		path string
		want string
	}{
		{"/var/lib/allsky/images/20240314/night/22_00/20240314_220015.jpg",
			"site1/20240314/night/22_00/20240314_220015.jpg"},
		{"/var/lib/allsky/images/20240314/keogram-20240314.jpg",
			"site1/20240314/keogram-20240314.jpg"},
		{"loose-file.jpg", "site1/loose-file.jpg"},
	}
	for _, tc := range cases {
		if got := u.objectKey(tc.path); got != tc.want {
			t.Errorf("objectKey(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestObjectKeyNoPrefix(t *testing.T) {
	u := &Uploader{cfg: config.UploadConfig{}}
	got := u.objectKey("/images/20240314/day/12_00/20240314_120000.jpg")
	if got != "20240314/day/12_00/20240314_120000.jpg" {
		t.Errorf("objectKey = %q", got)
	}
}

func TestDetectContentType(t *testing.T) {
	cases := map[string]string{
		"a.jpg":  "image/jpeg",
		"a.JPEG": "image/jpeg",
		"a.png":  "image/png",
		"a.webp": "image/webp",
		"a.mp4":  "video/mp4",
		"a.bin":  "application/octet-stream",
	}
	for name, want := range cases {
		if got := detectContentType(name); got != want {
			t.Errorf("detectContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
