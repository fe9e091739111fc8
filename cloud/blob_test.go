/*
Copyright © 2019 the EC-CAS diagnostics authors.
This file is part of EC-CAS-diags.

EC-CAS-diags is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

EC-CAS-diags is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with EC-CAS-diags.  If not, see <http://www.gnu.org/licenses/>.
*/

package cloud

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestIsBlob(t *testing.T) {
	for _, test := range []struct {
		loc  string
		want bool
	}{
		{loc: "gs://bucket/cache", want: true},
		{loc: "s3://bucket", want: true},
		{loc: "file:///tmp/cache", want: true},
		{loc: "/tmp/cache", want: false},
		{loc: "cache", want: false},
	} {
		if have := IsBlob(test.loc); have != test.want {
			t.Errorf("%s: have %v, want %v", test.loc, have, test.want)
		}
	}
}

func TestSplit(t *testing.T) {
	for _, test := range []struct {
		loc, bucket, prefix string
	}{
		{loc: "gs://bucket/a/b/", bucket: "gs://bucket", prefix: "a/b"},
		{loc: "s3://bucket", bucket: "s3://bucket", prefix: ""},
		{loc: "file:///tmp/cache", bucket: "file:///tmp/cache", prefix: ""},
	} {
		t.Run(test.loc, func(t *testing.T) {
			bucket, prefix, err := Split(test.loc)
			if err != nil {
				t.Fatal(err)
			}
			if bucket != test.bucket || prefix != test.prefix {
				t.Errorf("have (%s, %s), want (%s, %s)", bucket, prefix, test.bucket, test.prefix)
			}
		})
	}
}

func TestKey(t *testing.T) {
	for _, test := range []struct {
		prefix, name, want string
	}{
		{prefix: "", name: "a.nc", want: "a.nc"},
		{prefix: "cache", name: "sub/a.nc", want: "cache/sub/a.nc"},
		{prefix: "cache", name: "../a.nc", want: "cache/a.nc"},
	} {
		if have := Key(test.prefix, test.name); have != test.want {
			t.Errorf("Key(%q, %q) = %q, want %q", test.prefix, test.name, have, test.want)
		}
	}
}

func TestOpenBucketInvalid(t *testing.T) {
	if _, err := OpenBucket(context.Background(), "ftp://host"); err == nil {
		t.Error("expected an error for an unknown provider")
	}
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir()
	local := t.TempDir()
	root := "file://" + remote

	src := filepath.Join(local, "src.nc")
	if err := os.WriteFile(src, []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Upload(ctx, src, root, "co2.nc"); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(local, "dst.nc")
	if err := Download(ctx, root, "co2.nc", dst, nil); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "artifact" {
		t.Errorf("have %q", b)
	}

	err = Download(ctx, root, "missing.nc", filepath.Join(local, "missing.nc"), nil)
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("have %v, want a NotFoundError", err)
	}
	if _, err := os.Stat(filepath.Join(local, "missing.nc")); !os.IsNotExist(err) {
		t.Error("a missing blob created a local file")
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir()
	root := "file://" + remote
	if err := os.WriteFile(filepath.Join(remote, "co2.nc"), []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}
	for name, want := range map[string]bool{"co2.nc": true, "missing.nc": false} {
		have, err := Exists(ctx, root, name)
		if err != nil {
			t.Fatal(err)
		}
		if have != want {
			t.Errorf("%s: have %v, want %v", name, have, want)
		}
	}
}
