/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package fwcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fernweh-app/fernweh/backend/hosted"
	"github.com/fernweh-app/fernweh/backend/localrepo"
	"github.com/fernweh-app/fernweh/ingest"
	"github.com/fernweh-app/fernweh/media"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/maruel/natural"
	"github.com/mattn/go-isatty"
	"github.com/mholt/archives"
)

// openBackend opens the backend named by the flags/config and returns it
// with its close function.
func openBackend(ctx context.Context, cfg *Config) (ingest.Backend, func() error, error) {
	switch name := cfg.backendName(); name {
	case "local":
		repo, err := localrepo.Open(ctx, cfg.repoDir(), ingest.Log.Named("repo"))
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "hosted":
		hcfg, err := hosted.LoadConfig()
		if err != nil {
			return nil, nil, err
		}
		client, err := hosted.Connect(ctx, hcfg, ingest.Log.Named("hosted"))
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (expected local or hosted)", name)
	}
}

// initCommand creates the local journal repository and persists any
// preferences given as flags so later invocations pick them up.
func initCommand(ctx context.Context, cfg *Config) error {
	repo, err := localrepo.Open(ctx, cfg.repoDir(), ingest.Log.Named("repo"))
	if err != nil {
		return err
	}
	defer repo.Close()

	user, err := repo.CurrentUser(ctx)
	if err != nil {
		return err
	}

	if *backendFlag != "" {
		cfg.DefaultBackend = *backendFlag
	}
	if *repoFlag != "" {
		cfg.Repo = *repoFlag
	}
	if *albumFlag != "" {
		cfg.Album = *albumFlag
	}
	if *workersFlag > 0 {
		cfg.UploadWorkers = *workersFlag
	}
	if err := cfg.save(); err != nil {
		return err
	}

	fmt.Printf("journal ready at %s (owner %s)\n", cfg.repoDir(), user.ID)
	return nil
}

// loginCommand signs in to the hosted service through the web browser and
// persists the session for later invocations.
func loginCommand(ctx context.Context, cfg *Config) error {
	hcfg, err := hosted.LoadConfig()
	if err != nil {
		return err
	}
	client, err := hosted.Connect(ctx, hcfg, ingest.Log.Named("hosted"))
	if err != nil {
		return err
	}
	defer client.Close()

	user, err := client.SignIn(ctx, nil)
	if err != nil {
		return err
	}

	if *backendFlag == "hosted" {
		cfg.DefaultBackend = "hosted"
		if err := cfg.save(); err != nil {
			return err
		}
	}

	fmt.Printf("signed in as %s\n", userLabel(user))
	return nil
}

// logoutCommand deletes the hosted session.
func logoutCommand() error {
	hcfg, err := hosted.LoadConfig()
	if err != nil {
		return err
	}
	session, err := hosted.LoadSession(hcfg)
	if err != nil {
		return err
	}
	if err := session.SignOut(); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}

// whoamiCommand prints the signed-in user of the selected backend.
func whoamiCommand(ctx context.Context, cfg *Config) error {
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	user, err := backend.CurrentUser(ctx)
	if err != nil {
		return err
	}
	fmt.Println(userLabel(user))
	return nil
}

// statusCommand prints where photos would go: the selected backend and
// album, who is signed in, and how many fingerprinted photos the album
// already holds for duplicate detection.
func statusCommand(ctx context.Context, cfg *Config) error {
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	user, err := backend.CurrentUser(ctx)
	if err != nil {
		return err
	}
	fingerprints, err := backend.Fingerprints(ctx, cfg.album())
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if !*plainFlag && shouldStyle(os.Stdout) {
		tw.SetStyle(table.StyleRounded)
	}
	tw.AppendRow(table.Row{"backend", cfg.backendName()})
	if cfg.backendName() == "local" {
		tw.AppendRow(table.Row{"repo", cfg.repoDir()})
	}
	tw.AppendRow(table.Row{"album", cfg.album()})
	tw.AppendRow(table.Row{"signed in as", userLabel(user)})
	tw.AppendRow(table.Row{"fingerprints on record", len(fingerprints)})
	tw.AppendRow(table.Row{"config", configFile})
	tw.Render()
	return nil
}

func userLabel(user ingest.User) string {
	if user.Email != "" {
		return fmt.Sprintf("%s (%s)", user.Email, user.ID)
	}
	return user.ID
}

// stageCommand stages the named files, folders, and archives into the album
// and prints the resulting queue. With dryRun it stops there; otherwise it
// uploads everything eligible, prints the batch report, and offers to retry
// failures interactively.
func stageCommand(ctx context.Context, cfg *Config, args []string, dryRun bool) error {
	if len(args) == 0 {
		return errors.New("no files to stage; pass photos, folders, or archives")
	}

	var place *ingest.Place
	if *placeFlag != "" {
		var err error
		place, err = parsePlace(*placeFlag)
		if err != nil {
			return err
		}
	}

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	q, err := ingest.New(ctx, ingest.Options{
		Backend:        backend,
		AlbumID:        cfg.album(),
		ExtractTimeout: *timeoutFlag,
		UploadWorkers:  cfg.workers(),
	})
	if err != nil {
		return err
	}
	defer q.Close()

	for _, root := range args {
		if err := stageTree(ctx, q, root, place); err != nil {
			return err
		}
	}

	q.Wait()

	if *dropDupesFlag {
		for _, item := range q.Items() {
			if item.Status != ingest.StatusDuplicate {
				continue
			}
			if err := q.Remove(item.ID); err != nil {
				return err
			}
		}
	}

	printItems(q.Items())

	if dryRun {
		return nil
	}

	report, err := q.UploadAll(ctx)
	if err != nil {
		return err
	}
	printItems(q.Items())
	fmt.Println(report.String())

	failed := report.Failed
	for failed > 0 && promptRetry(failed) {
		failed = retryFailed(ctx, q)
		printItems(q.Items())
		if failed == 0 {
			fmt.Println("all retries succeeded")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d uploads failed", failed)
	}
	return nil
}

// stageTree stages root, which may be a single photo, a folder, or an
// archive. Folders and archives are walked recursively and only files with
// an image extension are staged, in natural name order; a file named
// directly skips the extension filter.
func stageTree(ctx context.Context, q *ingest.Queue, root string, place *ingest.Place) error {
	// assume root is a directory (or an archive, which walks like one), in
	// which case the FS is rooted at root itself and the name within it is "."
	fsRoot, nameInsideFS := root, "."

	fsys, err := archives.FileSystem(ctx, fsRoot, nil)
	if err != nil {
		return fmt.Errorf("opening %s: %w", root, err)
	}

	info, err := fs.Stat(fsys, nameInsideFS)
	if err != nil {
		return fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		// a plain file: re-root the FS at the parent folder and walk just
		// the file's name within it
		fsRoot, nameInsideFS = filepath.Split(fsRoot)
		if fsRoot == "" {
			fsRoot = "."
		}
		fsys, err = archives.FileSystem(ctx, fsRoot, nil)
		if err != nil {
			return fmt.Errorf("reopening %s: %w", fsRoot, err)
		}
	}
	filterByExt := nameInsideFS == "."

	type entry struct {
		path string
		size int64
	}
	var entries []entry
	err = fs.WalkDir(fsys, nameInsideFS, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filterByExt && !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return natural.Less(entries[i].path, entries[j].path)
	})

	for _, e := range entries {
		source := func(_ context.Context) (io.ReadCloser, error) {
			return fsys.Open(e.path)
		}
		if err := addPhoto(ctx, q, e.path, e.size, source, place); err != nil {
			return err
		}
	}
	return nil
}

// addPhoto stages one file and applies the caption and place flags to it.
func addPhoto(ctx context.Context, q *ingest.Queue, name string, size int64, source ingest.OpenFunc, place *ingest.Place) error {
	id, err := q.Add(ctx, name, size, source)
	if err != nil {
		return err
	}
	if *captionFlag != "" {
		if err := q.SetCaption(id, *captionFlag); err != nil {
			return err
		}
	}
	if place != nil {
		if err := q.SetManualLocation(id, place); err != nil {
			return err
		}
	}
	return nil
}

// retryFailed retries every failed photo, one at a time, and reports how
// many remain failed afterward.
func retryFailed(ctx context.Context, q *ingest.Queue) int {
	var remaining int
	for _, item := range q.Items() {
		if item.Status != ingest.StatusFailed {
			continue
		}
		after, err := q.Retry(ctx, item.ID)
		if err != nil || after.Status == ingest.StatusFailed {
			remaining++
		}
	}
	return remaining
}

// imageExtensions are the file types staged when walking folders and
// archives. A file named directly on the command line skips this filter.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
	".heic": true,
	".heif": true,
	".avif": true,
	".dng":  true,
}

// parsePlace parses the -place flag: "Name@lat,lon" or bare "lat,lon".
func parsePlace(s string) (*ingest.Place, error) {
	name, coords, found := strings.Cut(s, "@")
	if !found {
		name, coords = "", name
	}
	latStr, lonStr, found := strings.Cut(coords, ",")
	if !found {
		return nil, fmt.Errorf(`place %q must look like "Name@lat,lon" or "lat,lon"`, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return nil, fmt.Errorf("place latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return nil, fmt.Errorf("place longitude: %w", err)
	}
	if !media.ValidCoordinates(lat, lon) {
		return nil, fmt.Errorf("place coordinates %v,%v are out of range", lat, lon)
	}
	return &ingest.Place{
		Name:      strings.TrimSpace(name),
		Latitude:  lat,
		Longitude: lon,
	}, nil
}

// printItems renders the queue as a table on stdout.
func printItems(items []ingest.StagedPhoto) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if !*plainFlag && shouldStyle(os.Stdout) {
		tw.SetStyle(table.StyleRounded)
	}
	tw.AppendHeader(table.Row{"#", "Name", "Status", "Taken", "Where", "Camera", "Detail"})
	for _, item := range items {
		tw.AppendRow(table.Row{
			item.OrderIndex,
			item.Name,
			string(item.Status),
			whenCell(item),
			whereCell(item),
			cameraCell(item),
			item.ErrorDetail,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	tw.Render()
}

func whenCell(p ingest.StagedPhoto) string {
	if p.Extracted.CaptureTime == nil {
		return ""
	}
	return p.Extracted.CaptureTime.Format("2006-01-02 15:04 MST")
}

func whereCell(p ingest.StagedPhoto) string {
	if p.ManualLocation != nil {
		if p.ManualLocation.Name != "" {
			return p.ManualLocation.Name
		}
		return fmt.Sprintf("%.5f,%.5f", p.ManualLocation.Latitude, p.ManualLocation.Longitude)
	}
	if p.Extracted.HasCoordinates() {
		return fmt.Sprintf("%.5f,%.5f", *p.Extracted.Latitude, *p.Extracted.Longitude)
	}
	return ""
}

func cameraCell(p ingest.StagedPhoto) string {
	var parts []string
	if p.Extracted.CameraMake != nil {
		parts = append(parts, *p.Extracted.CameraMake)
	}
	if p.Extracted.CameraModel != nil {
		parts = append(parts, *p.Extracted.CameraModel)
	}
	return strings.Join(parts, " ")
}

// promptRetry asks whether to retry the failed uploads. Retries only ever
// happen on an explicit yes; plain mode and non-terminals never prompt.
func promptRetry(failed int) bool {
	if *plainFlag || !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return false
	}
	fmt.Printf("retry %d failed upload(s)? [y/N] ", failed)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func shouldStyle(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminal(f)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
