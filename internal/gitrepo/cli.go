package gitrepo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
)

// CLIRepository implements Repository by shelling out to the system git
// binary against a single bare repository path.
type CLIRepository struct {
	repoPath string
	logger   log.Logger
}

// NewCLIRepository returns a Repository backed by the git CLI.
func NewCLIRepository(repoPath string, logger log.Logger) *CLIRepository {
	return &CLIRepository{repoPath: repoPath, logger: logger}
}

func (r *CLIRepository) git(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"--git-dir", r.repoPath}, args...)...)
	cmd.Env = os.Environ()
	return cmd
}

func (r *CLIRepository) run(ctx context.Context, args ...string) (string, error) {
	cmd := r.git(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gitrepo: git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

const refFieldSep = "\x1f"

func (r *CLIRepository) ListRefs(ctx context.Context) ([]Ref, error) {
	format := strings.Join([]string{"%(refname)", "%(objectname)", "%(*objectname)"}, refFieldSep)
	out, err := r.run(ctx, "for-each-ref", "--format="+format)
	if err != nil {
		return nil, err
	}

	var refs []Ref
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, refFieldSep)
		if len(fields) != 3 {
			continue
		}

		name, oidHex, peeledHex := fields[0], fields[1], fields[2]
		target, err := packid.FromHex(oidHex)
		if err != nil {
			continue // empty or malformed object name; not expected for refs/heads or refs/tags
		}

		ref := Ref{Name: name, Target: target, Kind: classifyRef(name)}
		if peeledHex != "" {
			if peeled, err := packid.FromHex(peeledHex); err == nil {
				ref.PeeledTarget = &peeled
			}
		}
		refs = append(refs, ref)
	}

	return refs, scanner.Err()
}

func classifyRef(name string) RefKind {
	switch {
	case strings.HasPrefix(name, "refs/heads/"):
		return RefHead
	case strings.HasPrefix(name, "refs/tags/"):
		return RefTag
	default:
		return RefOther
	}
}

func (r *CLIRepository) ReflogEntries(ctx context.Context, ref string) ([]packid.PackId, error) {
	out, err := r.run(ctx, "reflog", "show", "--format=%H", ref)
	if err != nil {
		// A ref with no reflog is not an error; git exits non-zero in that case.
		return nil, nil
	}
	return parseHexLines(out)
}

func (r *CLIRepository) IndexObjects(ctx context.Context) ([]packid.PackId, error) {
	staged, err := r.run(ctx, "ls-files", "--stage")
	if err != nil {
		return nil, err
	}

	indexed := make(map[packid.PackId]struct{})
	scanner := bufio.NewScanner(strings.NewReader(staged))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if id, err := packid.FromHex(fields[1]); err == nil {
			indexed[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	reachable, err := r.run(ctx, "rev-list", "--objects", "HEAD")
	if err != nil {
		// An unborn HEAD means nothing is reachable; every index object
		// stays in the result.
		reachable = ""
	}
	scanner = bufio.NewScanner(strings.NewReader(reachable))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if id, err := packid.FromHex(fields[0]); err == nil {
			delete(indexed, id)
		}
	}

	out := make([]packid.PackId, 0, len(indexed))
	for id := range indexed {
		out = append(out, id)
	}
	return out, nil
}

func (r *CLIRepository) KeptPackIndexes(ctx context.Context) ([]packid.PackId, error) {
	packDir, err := r.PackDir(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []packid.PackId
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".keep") {
			continue
		}
		hex := strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".keep")
		if id, err := packid.FromHex(hex); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *CLIRepository) PackDir(ctx context.Context) (string, error) {
	objectsDir, err := r.ObjectsDir(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(objectsDir, "pack"), nil
}

func (r *CLIRepository) ObjectsDir(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--git-path", "objects")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *CLIRepository) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	out, err := r.run(ctx, "config", "--get", key)
	if err != nil {
		// git config --get exits with status 1 when the key is unset; we
		// cannot distinguish that from other failures once stderr has been
		// folded into the error by run(), so treat any failure here as
		// "not present" and let callers fall back to the default.
		return "", false, nil
	}
	return strings.TrimSpace(out), true, nil
}

func (r *CLIRepository) ConfigValues(ctx context.Context, key string) ([]string, error) {
	out, err := r.run(ctx, "config", "--get-all", key)
	if err != nil {
		// Same reasoning as ConfigValue: an unset (or repo with no such
		// multi-valued entry) key exits non-zero, indistinguishable here
		// from other failures, so treat it as "no values".
		return nil, nil
	}

	var values []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			values = append(values, line)
		}
	}
	return values, scanner.Err()
}

func (r *CLIRepository) WritePackWithBitmap(ctx context.Context, req PackObjectsRequest) (PackObjectsResult, error) {
	args := []string{"pack-objects", "--revs", "--stdout=false"}
	if req.CreateBitmap {
		args = append(args, "--write-bitmap-index")
	}
	if len(req.TagTargets) > 0 {
		// --include-tag is the real pack-objects equivalent of biasing pack
		// composition towards the tags that point at a selected object;
		// there is no flag that takes an explicit id list the way JGit's
		// PackWriter.setTagTargets does, so presence/absence is all a CLI
		// invocation can honor.
		args = append(args, "--include-tag")
	}
	args = append(args, filepath.Join(req.OutputDir, req.TempBasename))

	cmd := r.git(ctx, args...)

	var stdin bytes.Buffer
	for _, id := range req.Want {
		fmt.Fprintln(&stdin, id.String())
	}
	for _, id := range req.ExcludeObjects {
		fmt.Fprintln(&stdin, "^"+id.String())
	}
	cmd.Stdin = &stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return PackObjectsResult{}, fmt.Errorf("gitrepo: git pack-objects: %w: %s", err, stderr.String())
	}

	hex := strings.TrimSpace(stdout.String())
	id, err := packid.FromHex(hex)
	if err != nil {
		return PackObjectsResult{}, fmt.Errorf("gitrepo: unexpected pack-objects output %q: %w", hex, err)
	}

	result := PackObjectsResult{
		ID:        id,
		PackPath:  filepath.Join(req.OutputDir, req.TempBasename+"-"+hex+".pack"),
		IndexPath: filepath.Join(req.OutputDir, req.TempBasename+"-"+hex+".idx"),
	}
	if req.CreateBitmap {
		result.BitmapPath = filepath.Join(req.OutputDir, req.TempBasename+"-"+hex+".bitmap")
	}

	if count, err := r.countPackObjects(ctx, result.IndexPath); err == nil {
		result.ObjectCount = count
	}

	return result, nil
}

func (r *CLIRepository) countPackObjects(ctx context.Context, indexPath string) (int, error) {
	cmd := exec.CommandContext(ctx, "git", "show-index")
	f, err := os.Open(indexPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	cmd.Stdin = f

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, err
	}

	count := 0
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}

func (r *CLIRepository) RunGC(ctx context.Context, verbose bool) error {
	args := []string{"gc"}
	if verbose {
		args = append(args, "--verbose")
	} else {
		args = append(args, "--quiet")
	}
	_, err := r.run(ctx, args...)
	return err
}

func (r *CLIRepository) PackRefs(ctx context.Context) error {
	_, err := r.run(ctx, "pack-refs", "--all")
	return err
}

func parseHexLines(s string) ([]packid.PackId, error) {
	var ids []packid.PackId
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := packid.FromHex(line)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}
