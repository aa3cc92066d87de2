package analyzer

import (
	"os"
	"regexp"

	"adaptive-runner/internal/domain"
)

// maxScanBytes bounds how much of a handler source file the scanner reads.
const maxScanBytes = 1 << 20

// signature is one weighted category of blocking-operation patterns. A
// category contributes its weight once no matter how often it matches.
type signature struct {
	category string
	weight   int
	re       *regexp.Regexp
}

var blockingSignatures = []signature{
	{"sleep", 10, regexp.MustCompile(`time\.Sleep\s*\(`)},
	{"video-pdf", 8, regexp.MustCompile(`(?i)ffmpeg|libav|gofpdf|pdfcpu|wkhtmltopdf|transcod`)},
	{"image-crypto", 6, regexp.MustCompile(`(?i)"image/|imaging\.|resize\.|bcrypt\.|scrypt\.|argon2\.|rsa\.GenerateKey`)},
	{"shell", 5, regexp.MustCompile(`exec\.Command|syscall\.Exec`)},
	{"sync-http", 5, regexp.MustCompile(`http\.(Get|Post|PostForm|Head)\s*\(|\.Do\s*\(\s*req`)},
	{"bulk-file", 4, regexp.MustCompile(`filepath\.Walk|os\.ReadDir|ioutil\.ReadDir|archive/(zip|tar)|csv\.NewReader`)},
	{"heavy-db", 3, regexp.MustCompile(`(?i)CreateInBatches|FindInBatches|bulk\s+(insert|update)|copy\s+from`)},
	{"misc-io", 2, regexp.MustCompile(`(?i)s3\.|sftp\.|smtp\.Send|ExportTo|ImportFrom`)},
}

// scanSource scores the handler source at path against the weighted
// signature table. ok is false when there is nothing to scan, which lets
// the analyzer fall through to the next decision source.
func scanSource(path string) (score int, ok bool) {
	if path == "" {
		return 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	buf := make([]byte, maxScanBytes)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return 0, false
	}
	src := buf[:n]

	for _, sig := range blockingSignatures {
		if sig.re.Match(src) {
			score += sig.weight
		}
	}
	return score, true
}

// Curated name patterns. Heavy wins when both match.
var (
	heavyNamePattern = regexp.MustCompile(`(?i)process.?video|generate.?report|export.?large|backup.?database|import.?data|migrat|transcode|reindex|rebuild`)
	lightNamePattern = regexp.MustCompile(`(?i)send.?email|send.?notification|update.?cache|log.?event|trigger.?webhook|ping|touch`)
)

// tierForName routes by the job type's name alone. ok is false when the
// name matches no curated pattern.
func tierForName(jobType string) (domain.Tier, bool) {
	if heavyNamePattern.MatchString(jobType) {
		return domain.TierIsolated, true
	}
	if lightNamePattern.MatchString(jobType) {
		return domain.TierInline, true
	}
	return "", false
}
