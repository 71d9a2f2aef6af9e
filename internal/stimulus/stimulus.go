// Package stimulus handles selection and naming of study images: which
// memes a participant sees, where attention checks are planted, and how
// stimulus identifiers are normalized for cross-participant matching.
package stimulus

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/deehuihan/memelabel/internal/model"
)

// AttentionPrefix marks stimuli that are attention checks rather than
// study memes.
const AttentionPrefix = "attention_check/"

var (
	variantSuffixRe = regexp.MustCompile(`_\d+(?:\.(?:png|jpg|jpeg)|_png)$`)
	postIDRe        = regexp.MustCompile(`_(\d+)\.`)
	imageExts       = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}
)

// Normalize strips the trailing numeric variant suffix from a stimulus id
// so that different numbered variants of the same meme compare equal across
// participants. "memeA/memeA_12.png" becomes "memeA/memeA".
func Normalize(stim string) string {
	if folder, file, ok := strings.Cut(stim, "/"); ok {
		return folder + "/" + variantSuffixRe.ReplaceAllString(file, "")
	}
	return variantSuffixRe.ReplaceAllString(stim, "")
}

// MemeName extracts the meme family name from a stimulus id: the folder
// component when present, otherwise the filename without extension.
func MemeName(stim string) string {
	if folder, _, ok := strings.Cut(stim, "/"); ok {
		return folder
	}
	return strings.TrimSuffix(stim, filepath.Ext(stim))
}

// PostID extracts the numeric post identifier embedded in the filename,
// or nil when there is none.
func PostID(stim string) *int {
	m := postIDRe.FindStringSubmatch(stim)
	if m == nil {
		return nil
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &id
}

// IsAttentionCheck reports whether a stimulus id denotes an attention check.
func IsAttentionCheck(stim string) bool {
	return strings.HasPrefix(stim, AttentionPrefix)
}

// ExpectedEmotion returns the known-correct label encoded in an
// attention-check filename, or false when the filename encodes none.
func ExpectedEmotion(stim string) (model.Emotion, bool) {
	name := strings.ToLower(stim)
	switch {
	case strings.Contains(name, "anger"):
		return model.EmotionAnger, true
	case strings.Contains(name, "disgust"):
		return model.EmotionDisgust, true
	case strings.Contains(name, "contempt"):
		return model.EmotionContempt, true
	case strings.Contains(name, "other"):
		return model.EmotionOthers, true
	}
	return "", false
}

// ListImages returns the sorted image filenames directly inside dir.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read stimulus dir %s: %w", dir, err)
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			images = append(images, e.Name())
		}
	}
	sort.Strings(images)
	return images, nil
}

// Selector picks the stimulus set shown to a participant.
type Selector struct {
	StimulusDir     string // one subfolder per meme, numbered variants inside
	AttentionDir    string // pool of attention-check images
	AttentionChecks int    // how many checks to plant
}

// SelectGameSet picks one random variant from every meme folder, never
// reusing a variant index across folders so no two participants' sets
// collapse onto the same numbered variants, then plants attention checks
// at random offsets of 20-25 stimuli apart.
func (s *Selector) SelectGameSet() ([]string, error) {
	regular, err := s.selectRegular()
	if err != nil {
		return nil, err
	}
	checks, err := ListImages(s.AttentionDir)
	if err != nil || len(checks) == 0 || s.AttentionChecks <= 0 {
		// No attention pool configured: the game runs without checks.
		return regular, nil
	}

	n := s.AttentionChecks
	if n > len(checks) {
		n = len(checks)
	}
	if len(regular) < n {
		return regular, nil
	}

	rand.Shuffle(len(checks), func(i, j int) { checks[i], checks[j] = checks[j], checks[i] })
	selected := checks[:n]

	positions := make([]int, 0, n)
	pos := 0
	for range n {
		pos += 20 + rand.IntN(6)
		if pos >= len(regular) {
			pos = len(regular) - 1
		}
		positions = append(positions, pos)
		pos++
	}

	final := make([]string, 0, len(regular)+n)
	checkIdx := 0
	for i, img := range regular {
		final = append(final, img)
		if checkIdx < len(positions) && i+1 == positions[checkIdx] {
			final = append(final, AttentionPrefix+selected[checkIdx])
			checkIdx++
		}
	}
	return final, nil
}

func (s *Selector) selectRegular() ([]string, error) {
	entries, err := os.ReadDir(s.StimulusDir)
	if err != nil {
		return nil, fmt.Errorf("read stimulus dir %s: %w", s.StimulusDir, err)
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, e.Name())
		}
	}
	sort.Strings(folders)

	used := make(map[int]bool)
	var selected []string
	for _, folder := range folders {
		images, err := ListImages(filepath.Join(s.StimulusDir, folder))
		if err != nil || len(images) == 0 {
			continue
		}
		var available []int
		for i := range images {
			if !used[i] {
				available = append(available, i)
			}
		}
		var idx int
		if len(available) == 0 {
			idx = rand.IntN(len(images))
		} else {
			idx = available[rand.IntN(len(available))]
		}
		used[idx] = true
		selected = append(selected, folder+"/"+images[idx])
	}
	return selected, nil
}
