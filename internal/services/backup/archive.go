package backup

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"io/fs"

	"github.com/fgeck/palwarden/internal/models"
)

type archiveWriter interface {
	addDir(name string, info fs.FileInfo) error
	addFile(name string, info fs.FileInfo, r io.Reader) error
	Close() error
}

func newArchiveWriter(w io.Writer, format string) archiveWriter {
	if NormalizeFormat(format) == models.FormatTarGz {
		gz := gzip.NewWriter(w)
		return &tarGzWriter{gz: gz, tw: tar.NewWriter(gz)}
	}
	return &zipWriter{zw: zip.NewWriter(w)}
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) addDir(name string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name + "/"
	hdr.Method = zip.Store
	_, err = z.zw.CreateHeader(hdr)
	return err
}

func (z *zipWriter) addFile(name string, info fs.FileInfo, r io.Reader) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	out, err := z.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	return err
}

func (z *zipWriter) Close() error {
	return z.zw.Close()
}

type tarGzWriter struct {
	gz *gzip.Writer
	tw *tar.Writer
}

func (t *tarGzWriter) addDir(name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name + "/"
	return t.tw.WriteHeader(hdr)
}

func (t *tarGzWriter) addFile(name string, info fs.FileInfo, r io.Reader) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := t.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(t.tw, r)
	return err
}

func (t *tarGzWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		_ = t.gz.Close()
		return err
	}
	return t.gz.Close()
}
