package handlers

import (
	"net/http"
	"slices"
	"strings"
)

type embedTile struct {
	Name   string
	Source string
	State  string
}

// HandleEmbedSocket upgrades an embedded application's bridge connection. The
// window name comes from the route path.
func (m Main) HandleEmbedSocket(w http.ResponseWriter, r *http.Request) {
	relay, ok := m.relays[r.PathValue("name")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	relay.ServeHTTP(w, r)
}

// HandleEmbedRetry reloads an embedded application that failed to load. It
// returns the window to the loading state and re-renders its tile.
func (m Main) HandleEmbedRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	relay, ok := m.relays[r.PathValue("name")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	win := relay.Window()
	win.Retry()

	err := m.templates.ExecuteTemplate(w, "embed_tile", embedTile{
		Name:   win.Name(),
		Source: win.Source(),
		State:  win.State().String(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) embedTiles() []embedTile {
	tiles := make([]embedTile, 0, len(m.relays))
	for _, relay := range m.relays {
		win := relay.Window()
		tiles = append(tiles, embedTile{
			Name:   win.Name(),
			Source: win.Source(),
			State:  win.State().String(),
		})
	}
	slices.SortFunc(tiles, func(a, b embedTile) int {
		return strings.Compare(a.Name, b.Name)
	})
	return tiles
}
