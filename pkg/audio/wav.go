package audio

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// EncodeWAV wraps mono PCM16 in a WAV container held in memory.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	file := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		Data:           Int16ToInt(samples),
		SourceBitDepth: 16,
	}
	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("wav write: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("wav close: %w", err)
	}
	data, err := io.ReadAll(file.Reader())
	if err != nil {
		return nil, fmt.Errorf("wav read: %w", err)
	}
	return data, nil
}
