// Package ui renders the admin HTML views.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"

	"github.com/a-h/templ"
)

// MediaItem is a single media library entry for display.
type MediaItem struct {
	ID         int64
	Name       string
	Kind       string
	Category   string
	Size       int64
	URL        string
	UploadedAt string
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"es\">")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>"+html.EscapeString(title)+"</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head><body><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// categoryFilter renders the category links above the table. The active
// one is marked with aria-current.
func categoryFilter(categories []string, selected string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<nav><ul>")
		if err != nil {
			return err
		}

		for _, c := range append([]string{"all"}, categories...) {
			current := ""
			if c == selected || (c == "all" && selected == "") {
				current = " aria-current=\"page\""
			}
			link := fmt.Sprintf("<li><a href=\"?category=%s\"%s>%s</a></li>", url.QueryEscape(c), current, html.EscapeString(c))
			if _, err := io.WriteString(w, link); err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</ul></nav>")
		return err
	})
}

// MediaPage renders the media library with its category filter.
func MediaPage(items []MediaItem, categories []string, selected string) templ.Component {
	return Layout("DH2OCOL - Medios", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Biblioteca de medios</h1></header>")
		if err != nil {
			return err
		}

		if err := categoryFilter(categories, selected).Render(ctx, w); err != nil {
			return err
		}

		if len(items) == 0 {
			_, err = io.WriteString(w, "<p>No hay archivos en esta categoría.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Vista</th><th>Nombre</th><th>Tipo</th><th>Categoría</th><th>Tamaño (bytes)</th><th>Subido</th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, item := range items {
			src := html.EscapeString(item.URL)
			preview := fmt.Sprintf("<a href=\"%s\">abrir</a>", src)
			if item.Kind == "image" {
				preview = fmt.Sprintf("<img src=\"%s\" alt=\"%s\" width=\"96\" loading=\"lazy\">", src, html.EscapeString(item.Name))
			}

			row := fmt.Sprintf("<tr id=\"media-%d\"><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td></tr>",
				item.ID,
				preview,
				html.EscapeString(item.Name),
				html.EscapeString(item.Kind),
				html.EscapeString(item.Category),
				item.Size,
				html.EscapeString(item.UploadedAt),
			)
			if _, err := io.WriteString(w, row); err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}
