package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrNotFound is returned when no book matches the lookup.
var ErrNotFound = errors.New("book not found in library")

// thumbnailKinds are the images the reader generates once it has finished
// importing a book.
var thumbnailKinds = []string{"N3_LIBRARY_FULL", "N3_LIBRARY_GRID"}

// Book is the subset of a library content row the readiness check needs.
type Book struct {
	ContentID string
	ImageID   string // empty until the reader has processed the book
}

// FindBook looks a book up by title, author and description.
func (d *DB) FindBook(ctx context.Context, title, author, comment string) (*Book, error) {
	var (
		b       Book
		imageID sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT ContentID, ImageId
		FROM content
		WHERE Title = ? AND Attribution = ? AND Description = ? AND ContentType = '6'
		LIMIT 1
	`, title, author, comment).Scan(&b.ContentID, &imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query content: %w", err)
	}
	b.ImageID = imageID.String
	return &b, nil
}

// Library answers whether the reader application has finished processing
// a book. Each check opens a fresh read-only connection because the reader
// may replace the database file at any time.
type Library struct {
	Path      string
	ImagesDir string
	Timeout   time.Duration
}

// NewLibrary creates a Library for the database at path.
func NewLibrary(path, imagesDir string, timeout time.Duration) *Library {
	return &Library{Path: path, ImagesDir: imagesDir, Timeout: timeout}
}

// Processed reports whether the book matching the three strings has been
// imported: its row carries an image id and the library thumbnails exist.
func (l *Library) Processed(ctx context.Context, title, author, comment string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	d, err := Connect(ctx, l.Path, l.Timeout)
	if err != nil {
		return false, err
	}
	defer d.Close()

	book, err := d.FindBook(ctx, title, author, comment)
	if err != nil {
		return false, err
	}
	if book.ImageID == "" {
		return false, nil
	}

	for _, path := range ThumbnailPaths(l.ImagesDir, book.ImageID) {
		if _, err := os.Stat(path); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// ThumbnailPaths returns where the reader stores the library thumbnails for
// imageID. Images are sharded into two directory levels taken from the low
// bytes of the image id's hash.
func ThumbnailPaths(imagesDir, imageID string) []string {
	h := qhash([]byte(imageID))
	dir := filepath.Join(imagesDir,
		strconv.FormatUint(uint64(h&0xff), 10),
		strconv.FormatUint(uint64((h>>8)&0xff), 10))

	paths := make([]string, len(thumbnailKinds))
	for i, kind := range thumbnailKinds {
		paths[i] = filepath.Join(dir, imageID+" - "+kind+".parsed")
	}
	return paths
}

// qhash is the string hash the reader uses to shard its image cache.
func qhash(b []byte) uint32 {
	var h uint32
	for _, c := range b {
		h = (h << 4) + uint32(c)
		h ^= (h & 0xf0000000) >> 23
		h &= 0x0fffffff
	}
	return h
}
