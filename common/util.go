package common

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/ghw/pkg/pci"
	"github.com/pkg/errors"
)

// HTTPDialTimeout timeout used to establish an HTTP connection between nodes
var HTTPDialTimeout = 2 * time.Second

// HTTPTimeout timeout used in HTTP connections between nodes
var HTTPTimeout = 8 * time.Second

// JobTakePollTimeout is how long a worker's job-take request is held open
// before the orchestrator replies with no content.
var JobTakePollTimeout = 30 * time.Second

// MaxJobInputSize caps reading a job input body (bytes).
var MaxJobInputSize = 10 * 1024 * 1024

// MaxArtifactSize caps reading a single result artifact (bytes).
var MaxArtifactSize = 256 * 1024 * 1024

var (
	ErrNoExtensionsForType = fmt.Errorf("no extensions exist for mime type")
	ErrFormatMime          = fmt.Errorf("unknown mime type for extension")

	ext2mime = map[string]string{
		".json": "application/json",
		".bin":  "application/octet-stream",
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".wav":  "audio/wav",
		".csv":  "text/csv",
		".txt":  "text/plain",
	}
	mime2ext = map[string]string{
		"application/json":         ".json",
		"application/octet-stream": ".bin",
		"image/png":                ".png",
		"image/jpeg":               ".jpg",
		"image/jpg":                ".jpg",
		"audio/wav":                ".wav",
		"text/csv":                 ".csv",
		"text/plain":               ".txt",
	}
)

func TypeByExtension(ext string) (string, error) {
	if m, ok := ext2mime[ext]; ok && m != "" {
		return m, nil
	}
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "", ErrFormatMime
	}
	return m, nil
}

// MimeTypeToExtension returns the file extension for a given MIME type.
func MimeTypeToExtension(mimeType string) (string, error) {
	mimeType = strings.ToLower(mimeType)
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if ext, ok := mime2ext[mimeType]; ok {
		return ext, nil
	}
	return "", ErrNoExtensionsForType
}

// Package-level RNG; tests can override it.
var PkgRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomIDGenerator generates random hexadecimal string of specified length
// defined as variable for unit tests
var RandomIDGenerator = func(length uint) string {
	return hex.EncodeToString(RandomBytesGenerator(length))
}

var RandomBytesGenerator = func(length uint) []byte {
	x := make([]byte, length, length)
	PkgRNG.Read(x)
	return x
}

// RandName generates random hexadecimal string
func RandName() string {
	return RandomIDGenerator(10)
}

func JoinURL(url, path string) string {
	if !strings.HasSuffix(url, "/") {
		return url + "/" + path
	}
	return url + path
}

// Read at most n bytes from an io.Reader
func ReadAtMost(r io.Reader, n int) ([]byte, error) {
	// Reading one extra byte to check if input Reader
	// had more than n bytes
	limitedReader := io.LimitReader(r, int64(n)+1)
	b, err := io.ReadAll(limitedReader)
	if err == nil && len(b) > n {
		return nil, errors.New("input bigger than max buffer size")
	}
	return b, err
}

func getGPUDefault() ([]*gpu.GraphicsCard, error) {
	gpu, err := ghw.GPU()

	if err != nil {
		return nil, err
	}

	return gpu.GraphicsCards, nil
}

func getPCIDefault() ([]*pci.Device, error) {
	pci, err := ghw.PCI()

	if err != nil {
		return nil, err
	}

	return pci.ListDevices(), nil
}

var getGPU = getGPUDefault
var getPCI = getPCIDefault

func detectNvidiaDevices() ([]string, error) {
	nvidiaCardCount := 0
	re := regexp.MustCompile("(?i)nvidia") // case insensitive match

	cards, err := getGPU()
	if err != nil {
		return nil, err
	}

	if len(cards) != 0 {
		for _, card := range cards {
			if card.DeviceInfo != nil && re.MatchString(card.DeviceInfo.Vendor.Name) {
				nvidiaCardCount += 1
			}
		}
	} else { // on VMs gpu.GraphicsCards may be empty
		rePCI := regexp.MustCompile("(?i)display ?controller")

		pci, err := getPCI()
		if err != nil {
			return nil, err
		}

		for _, device := range pci {
			// Make sure that the current device is a graphics card.
			// On some VMs driver may be misreported as vfio-pci, try to rely on device.Class.Name with a "Display controller"
			// See: https://github.com/jaypipes/ghw/issues/314#issuecomment-1113334378
			if device.Vendor != nil && re.MatchString(device.Vendor.Name) && (re.MatchString(device.Driver) || rePCI.MatchString(device.Class.Name)) {
				nvidiaCardCount += 1
			}
		}
	}

	if nvidiaCardCount == 0 {
		return nil, errors.New("no devices found with vendor name 'Nvidia'")
	}

	devices := []string{}

	for i := 0; i < nvidiaCardCount; i++ {
		s := strconv.Itoa(i)
		devices = append(devices, s)
	}

	return devices, nil
}

// ParseNvidiaDevices expands the -nvidia flag value into a device ID list.
// "all" autodetects installed cards, otherwise the value is a comma
// separated list of device IDs.
func ParseNvidiaDevices(devices string) ([]string, error) {
	if devices == "" {
		return nil, nil
	}
	if devices == "all" {
		return detectNvidiaDevices()
	}
	return strings.Split(devices, ","), nil
}

// ValidateServiceURI checks that an advertised service URI is routable.
// 0.0.0.0 binds everywhere but routes nowhere.
func ValidateServiceURI(serviceURI *url.URL) bool {
	return !strings.Contains(serviceURI.Host, "0.0.0.0")
}
