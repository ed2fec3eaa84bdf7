package play

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/screencap/internal/config"
)

// Recording is a saved artifact in the output directory.
type Recording struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type Player struct {
	dir     string
	players []string
}

func New(cfg *config.Config) *Player {
	return &Player{
		dir:     cfg.Output.Directory,
		players: []string{"mpv", "vlc", "ffplay"},
	}
}

// List returns the recordings in the output directory, newest first.
func (p *Player) List() ([]Recording, error) {
	return ListRecordings(p.dir)
}

// ListRecordings returns every .mp4 and .webm file in dir, newest first.
func ListRecordings(dir string) ([]Recording, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recordings []Recording
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".mp4" && ext != ".webm" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		recordings = append(recordings, Recording{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		if recordings[i].ModTime.Equal(recordings[j].ModTime) {
			return recordings[i].Name > recordings[j].Name
		}
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// Resolve maps a name (or "" for the latest recording) to a file path.
func (p *Player) Resolve(name string) (string, error) {
	if name == "" {
		recordings, err := p.List()
		if err != nil {
			return "", err
		}
		if len(recordings) == 0 {
			return "", fmt.Errorf("no recordings found in %s", p.dir)
		}
		return recordings[0].Path, nil
	}

	path := name
	if !filepath.IsAbs(path) && !strings.ContainsRune(path, os.PathSeparator) {
		path = filepath.Join(p.dir, name)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("recording not found: %s", path)
	}
	return path, nil
}

func (p *Player) Play(ctx context.Context, name string) error {
	file, err := p.Resolve(name)
	if err != nil {
		return err
	}

	fmt.Printf("Playing: %s\n", file)

	player, err := p.findPlayer()
	if err != nil {
		return fmt.Errorf("no suitable video player found: %w", err)
	}

	var cmd *exec.Cmd
	switch player {
	case "mpv":
		cmd = exec.CommandContext(ctx, "mpv", "--really-quiet", file)
	case "vlc":
		cmd = exec.CommandContext(ctx, "vlc", "--play-and-exit", file)
	case "ffplay":
		cmd = exec.CommandContext(ctx, "ffplay", "-autoexit", "-loglevel", "error", file)
	default:
		return fmt.Errorf("unsupported player: %s", player)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	fmt.Println("Playback completed")
	return nil
}

func (p *Player) findPlayer() (string, error) {
	for _, player := range p.players {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no video player found (tried: %s)", strings.Join(p.players, ", "))
}
