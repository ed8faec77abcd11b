// Command vmdkinfo inspects VMware virtual disk images: their descriptor
// metadata, their extent table, and arbitrary byte ranges of the decoded
// virtual disk.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	kingpin "github.com/alecthomas/kingpin/v2"
	ntfs_parser "www.velocidex.com/golang/go-ntfs/parser"

	"github.com/kdmvio/vmdk/internal/stream"
	"github.com/kdmvio/vmdk/parser"
)

const (
	pagedReaderPageSize = 1024
	pagedReaderPoolSize = 10000
)

var (
	app = kingpin.New("vmdkinfo", "Inspect VMware virtual disk images.")

	command_handlers []func(command string) bool

	info_command     = app.Command("info", "Print descriptor metadata for a vmdk file.")
	info_command_arg = info_command.Arg("file", "The image file to inspect.").Required().String()

	extents_command     = app.Command("extents", "Print the extent table for a vmdk file.")
	extents_command_arg = extents_command.Arg("file", "The image file to inspect.").Required().String()

	read_command         = app.Command("read", "Dump a byte range of the decoded virtual disk.")
	read_command_file    = read_command.Arg("file", "The image file to inspect.").Required().String()
	read_command_offset  = read_command.Flag("offset", "Starting byte offset.").Default("0").Int64()
	read_command_length  = read_command.Flag("length", "Number of bytes to dump.").Default("512").Int64()
)

// getReader adapts a stream.ByteStream to the io.ReaderAt the paging
// cache wraps.
func getReader(bs stream.ByteStream) io.ReaderAt {
	return bs
}

// openImage opens path as the primary descriptor and returns an
// ImageHandle whose extents resolve sibling filenames relative to
// path's directory, every file opened through the byte-stream capability
// (internal/stream) and then wrapped in go-ntfs's paging cache.
func openImage(path string) (*parser.ImageHandle, error) {
	fs, err := stream.OpenFile(path)
	if err != nil {
		return nil, err
	}

	reader, err := ntfs_parser.NewPagedReader(getReader(fs), pagedReaderPageSize, pagedReaderPoolSize)
	if err != nil {
		fs.Close()
		return nil, err
	}

	size, err := fs.Size()
	if err != nil {
		fs.Close()
		return nil, err
	}

	dir := filepath.Dir(path)
	opener := func(filename string) (io.ReaderAt, func(), error) {
		full_path := filepath.Join(dir, filename)
		efs, err := stream.OpenFile(full_path)
		if err != nil {
			return nil, nil, err
		}

		ereader, err := ntfs_parser.NewPagedReader(getReader(efs), pagedReaderPageSize, pagedReaderPoolSize)
		if err != nil {
			efs.Close()
			return nil, nil, err
		}
		return ereader, func() { efs.Close() }, nil
	}

	handle, err := parser.Open(reader, size, opener)
	if err != nil {
		fs.Close()
		return nil, err
	}
	return handle, nil
}

func doInfo() {
	handle, err := openImage(*info_command_arg)
	kingpin.FatalIfError(err, "Can not open image")
	defer handle.Close()

	out, err := parser.PrintImageModel(*handle.Config())
	kingpin.FatalIfError(err, "Can not print descriptor")
	fmt.Println(out)
	fmt.Printf("size: %d bytes\n", handle.Size())

	for _, w := range handle.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

func doExtents() {
	handle, err := openImage(*extents_command_arg)
	kingpin.FatalIfError(err, "Can not open image")
	defer handle.Close()

	fmt.Print(parser.FormatExtentsTable(handle.Extents()))
}

func doRead() {
	handle, err := openImage(*read_command_file)
	kingpin.FatalIfError(err, "Can not open image")
	defer handle.Close()

	buf := make([]byte, *read_command_length)
	n, err := handle.ReadAt(buf, *read_command_offset)
	if err != nil && err != io.EOF {
		kingpin.FatalIfError(err, "Can not read image")
	}
	os.Stdout.Write(buf[:n])
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case info_command.FullCommand():
			doInfo()
		case extents_command.FullCommand():
			doExtents()
		case read_command.FullCommand():
			doRead()
		default:
			return false
		}
		return true
	})
}

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	for _, handler := range command_handlers {
		if handler(command) {
			return
		}
	}

	kingpin.Fatalf("Unknown command %q", command)
}
