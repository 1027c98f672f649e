package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vincent-petithory/dataurl"

	"github.com/beamgrid/go-beamgrid/common"
)

// ReadDataURL decodes a data URL into w and reports its media type.
func ReadDataURL(url string, w io.Writer) (string, error) {
	dataURL, err := dataurl.DecodeString(url)
	if err != nil {
		return "", err
	}

	if _, err := w.Write(dataURL.Data); err != nil {
		return "", err
	}

	return dataURL.MediaType.ContentType(), nil
}

// SaveDataURLToFile decodes a data URL into dir under name, deriving
// the extension from the declared media type. Returns the written path.
func SaveDataURLToFile(url, dir, name string) (string, error) {
	dataURL, err := dataurl.DecodeString(url)
	if err != nil {
		return "", err
	}
	if len(dataURL.Data) > common.MaxJobInputSize {
		return "", fmt.Errorf("data url payload exceeds %d bytes", common.MaxJobInputSize)
	}

	ext, err := common.MimeTypeToExtension(dataURL.MediaType.ContentType())
	if err != nil {
		ext = ".bin"
	}

	outputPath := filepath.Join(dir, name+ext)
	if err := os.WriteFile(outputPath, dataURL.Data, 0644); err != nil {
		return "", err
	}
	return outputPath, nil
}

// FileToDataURL encodes a file as a data URL for inline transport.
func FileToDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	mimeType, err := common.TypeByExtension(filepath.Ext(path))
	if err != nil {
		mimeType = "application/octet-stream"
	}

	return dataurl.New(data, mimeType).String(), nil
}
