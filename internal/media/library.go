package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dh2ocol/internal/dbcompat"
	"dh2ocol/internal/storage"
)

var (
	ErrNotFound      = errors.New("media item not found")
	ErrNoSelection   = errors.New("no media items selected")
	ErrStorageDelete = errors.New("could not delete stored object")
)

// Gateway is the part of storage.Gateway the library uses.
type Gateway interface {
	IsAvailable() bool
	Owns(publicURL string) bool
	Upload(ctx context.Context, p storage.UploadPayload, opts storage.UploadOptions) (*storage.StoredObject, error)
	Delete(ctx context.Context, publicURL string) bool
}

// ConnSource hands out the database handle of the current request scope.
type ConnSource interface {
	Conn(ctx context.Context) (*dbcompat.Conn, error)
}

// UploadRequest is a new file for the library. Name defaults to the file
// name and Category to general.
type UploadRequest struct {
	File        storage.UploadPayload
	Name        string
	Description string
	Category    string
}

// DeleteResult counts the outcome of DeleteMany.
type DeleteResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Library stores files through a Gateway and records them in the media
// table. Every method runs on the connection of the scope in ctx.
type Library struct {
	db      ConnSource
	gateway Gateway
}

func NewLibrary(db ConnSource, gateway Gateway) *Library {
	return &Library{db: db, gateway: gateway}
}

// List returns the items of category, newest first. An empty category or
// "all" lists everything.
func (l *Library) List(ctx context.Context, category string) ([]Item, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var cur *dbcompat.Cursor
	if c := strings.TrimSpace(category); c == "" || strings.EqualFold(c, CategoryAll) {
		cur, err = conn.Execute(ctx, `SELECT * FROM media ORDER BY uploaded_at DESC, id DESC`)
	} else {
		cur, err = conn.Execute(ctx, `SELECT * FROM media WHERE category = %s ORDER BY uploaded_at DESC, id DESC`, NormalizeCategory(c))
	}
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}

	rows, err := cur.FetchAll()
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, itemFromRow(row))
	}
	return items, nil
}

// Get returns the item with id or ErrNotFound.
func (l *Library) Get(ctx context.Context, id int64) (Item, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return Item{}, err
	}

	cur, err := conn.Execute(ctx, `SELECT * FROM media WHERE id = %s`, id)
	if err != nil {
		return Item{}, fmt.Errorf("get media %d: %w", id, err)
	}
	row, err := cur.FetchOne()
	if err != nil {
		return Item{}, err
	}
	if row == nil {
		return Item{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return itemFromRow(row), nil
}

// Upload stores req.File and records it. The row is written only after the
// object is stored. When the row cannot be written the object is removed
// again.
func (l *Library) Upload(ctx context.Context, req UploadRequest) (Item, error) {
	category := NormalizeCategory(req.Category)
	obj, err := l.store(ctx, req.File, category)
	if err != nil {
		return Item{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.File.Filename
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.discard(ctx, obj.URL)
		return Item{}, err
	}

	var id int64
	err = dbcompat.InTransaction(conn, func() error {
		cur, err := conn.Execute(ctx,
			`INSERT INTO media (name, filename, kind, category, size_bytes, description, url)
			 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			name, req.File.Filename, string(KindOf(req.File.Filename)), category, obj.Size, req.Description, obj.URL,
		)
		if err != nil {
			return err
		}
		id = cur.LastInsertID()
		return nil
	})
	if err != nil {
		l.discard(ctx, obj.URL)
		return Item{}, fmt.Errorf("record media: %w", err)
	}

	slog.Info("Media uploaded", "id", id, "category", category, "url", obj.URL)
	return l.Get(ctx, id)
}

// Replace swaps the file behind id for req.File. The new object is stored
// first, then the row is updated, and the previous object is deleted last.
// Empty fields of req keep their current values.
func (l *Library) Replace(ctx context.Context, id int64, req UploadRequest) (Item, error) {
	old, err := l.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}

	category := old.Category
	if strings.TrimSpace(req.Category) != "" {
		category = NormalizeCategory(req.Category)
	}

	obj, err := l.store(ctx, req.File, category)
	if err != nil {
		return Item{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = old.Name
	}
	description := req.Description
	if description == "" {
		description = old.Description
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.discard(ctx, obj.URL)
		return Item{}, err
	}

	err = dbcompat.InTransaction(conn, func() error {
		_, err := conn.Execute(ctx,
			`UPDATE media SET name = %s, filename = %s, kind = %s, category = %s, size_bytes = %s, description = %s, url = %s
			 WHERE id = %s`,
			name, req.File.Filename, string(KindOf(req.File.Filename)), category, obj.Size, description, obj.URL, id,
		)
		return err
	})
	if err != nil {
		l.discard(ctx, obj.URL)
		return Item{}, fmt.Errorf("update media %d: %w", id, err)
	}

	if l.gateway.Owns(old.URL) && !l.gateway.Delete(ctx, old.URL) {
		slog.Warn("Previous media object was not deleted", "id", id, "url", old.URL)
	}

	slog.Info("Media replaced", "id", id, "url", obj.URL)
	return l.Get(ctx, id)
}

// UpdateCategory refiles id under category.
func (l *Library) UpdateCategory(ctx context.Context, id int64, category string) (Item, error) {
	if _, err := l.Get(ctx, id); err != nil {
		return Item{}, err
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return Item{}, err
	}

	err = dbcompat.InTransaction(conn, func() error {
		_, err := conn.Execute(ctx, `UPDATE media SET category = %s WHERE id = %s`, NormalizeCategory(category), id)
		return err
	})
	if err != nil {
		return Item{}, fmt.Errorf("update media %d: %w", id, err)
	}
	return l.Get(ctx, id)
}

// Delete removes the stored object of id, when the gateway owns it, and
// then the row. When the object cannot be deleted the row is kept.
func (l *Library) Delete(ctx context.Context, id int64) error {
	item, err := l.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := l.deleteObject(ctx, item); err != nil {
		return err
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return err
	}

	err = dbcompat.InTransaction(conn, func() error {
		_, err := conn.Execute(ctx, `DELETE FROM media WHERE id = %s`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete media %d: %w", id, err)
	}

	slog.Info("Media deleted", "id", id)
	return nil
}

// DeleteMany deletes every id it can. Unknown ids are skipped and not
// counted. Rows whose object could not be deleted are kept and counted as
// failed. Each row is committed on its own right after its object is
// removed, so a database error stops the loop without bringing back rows
// of objects already deleted; the counts so far are returned with it.
func (l *Library) DeleteMany(ctx context.Context, ids []int64) (DeleteResult, error) {
	if len(ids) == 0 {
		return DeleteResult{}, ErrNoSelection
	}
	if !l.gateway.IsAvailable() {
		return DeleteResult{}, storage.ErrUnavailable
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return DeleteResult{}, err
	}

	var res DeleteResult
	for _, id := range ids {
		item, err := l.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("delete media: %w", err)
		}

		if err := l.deleteObject(ctx, item); err != nil {
			res.Failed++
			continue
		}

		err = dbcompat.InTransaction(conn, func() error {
			_, err := conn.Execute(ctx, `DELETE FROM media WHERE id = %s`, id)
			return err
		})
		if err != nil {
			slog.Error("Media object deleted but row kept", "id", id, "url", item.URL, "err", err)
			return res, fmt.Errorf("delete media %d: %w", id, err)
		}
		res.Deleted++
	}

	slog.Info("Media deleted", "deleted", res.Deleted, "failed", res.Failed)
	return res, nil
}

// store uploads p into the folder of category. Images are optimized.
func (l *Library) store(ctx context.Context, p storage.UploadPayload, category string) (*storage.StoredObject, error) {
	obj, err := l.gateway.Upload(ctx, p, storage.UploadOptions{
		Folder:   FolderFor(category),
		Optimize: KindOf(p.Filename) == KindImage,
		Category: category,
	})
	if err != nil {
		return nil, fmt.Errorf("store %q: %w", p.Filename, err)
	}
	return obj, nil
}

func (l *Library) deleteObject(ctx context.Context, item Item) error {
	if !l.gateway.Owns(item.URL) {
		return nil
	}
	if !l.gateway.IsAvailable() {
		return storage.ErrUnavailable
	}
	if !l.gateway.Delete(ctx, item.URL) {
		return fmt.Errorf("%w: %s", ErrStorageDelete, item.URL)
	}
	return nil
}

// discard removes an object whose row could not be written.
func (l *Library) discard(ctx context.Context, url string) {
	if !l.gateway.Delete(ctx, url) {
		slog.Warn("Orphaned media object", "url", url)
	}
}
