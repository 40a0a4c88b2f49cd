package config

import (
	"strings"
	"testing"
)

func TestDefaultsHaveRetriesThree(t *testing.T) {
	b := Defaults()
	if b.Retries != 3 {
		t.Errorf("Defaults().Retries = %d, want 3", b.Retries)
	}
}

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	b, err := Load(nil, nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if b.Retries != 3 {
		t.Errorf("Load(nil, nil).Retries = %d, want 3", b.Retries)
	}
}

func TestApplyFileOverridesTopLevelFields(t *testing.T) {
	b := Defaults()

	conf := "# comment\n\nretries=5\ndns_server=10.0.0.1\n"
	if err := applyFile(&b, strings.NewReader(conf)); err != nil {
		t.Fatalf("applyFile() error: %v", err)
	}

	if b.Retries != 5 {
		t.Errorf("Retries = %d, want 5", b.Retries)
	}

	if b.DNSServer != "10.0.0.1" {
		t.Errorf("DNSServer = %q, want 10.0.0.1", b.DNSServer)
	}
}

func TestApplyFileBuildsEntriesInOrder(t *testing.T) {
	b := Defaults()

	conf := strings.Join([]string{
		"entry.alpine.host=dl-cdn.alpinelinux.org",
		"entry.alpine.port=80",
		"entry.alpine.path=/alpine/v3.20/releases/x86_64/alpine-standard-3.20.iso",
		"entry.debian.host=cdimage.debian.org",
		"entry.debian.path=/debian-cd/current/amd64/iso-cd/debian-netinst.iso",
	}, "\n")

	if err := applyFile(&b, strings.NewReader(conf)); err != nil {
		t.Fatalf("applyFile() error: %v", err)
	}

	if len(b.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(b.Entries))
	}

	if b.Entries[0].Name != "alpine" || b.Entries[0].Port != 80 {
		t.Errorf("Entries[0] = %+v, want alpine with port 80", b.Entries[0])
	}

	if b.Entries[1].Name != "debian" {
		t.Errorf("Entries[1].Name = %q, want debian", b.Entries[1].Name)
	}
}

func TestApplyFileRejectsMalformedLine(t *testing.T) {
	b := Defaults()

	if err := applyFile(&b, strings.NewReader("not-a-key-value-line")); err == nil {
		t.Fatal("applyFile() with malformed line: want error, got nil")
	}
}

func TestApplyFileRejectsUnknownKey(t *testing.T) {
	b := Defaults()

	if err := applyFile(&b, strings.NewReader("bogus=1")); err == nil {
		t.Fatal("applyFile() with unknown key: want error, got nil")
	}
}

func TestEntryIsChunkedISO(t *testing.T) {
	cases := []struct {
		name string
		e    Entry
		want bool
	}{
		{"no boot target set yet", Entry{Name: "x"}, true},
		{"plain iso path", Entry{Name: "x", ISOPath: "/x.iso"}, false},
		{"kernel/initrd pair", Entry{Name: "x", KernelPath: "/boot/vmlinuz"}, false},
	}

	for _, c := range cases {
		if got := c.e.IsChunkedISO(); got != c.want {
			t.Errorf("%s: IsChunkedISO() = %v, want %v", c.name, got, c.want)
		}
	}
}
