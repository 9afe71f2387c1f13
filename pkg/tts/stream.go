package tts

import (
	"io"
)

// httpStream wraps an HTTP response body as AudioStream.
type httpStream struct {
	body   io.ReadCloser
	format AudioFormat
	buf    [4096]byte

	// odd holds a trailing byte so PCM chunks stay sample aligned.
	odd    []byte
	closed bool
}

// Read returns the next audio chunk.
func (s *httpStream) Read() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	for {
		n, err := s.body.Read(s.buf[:])
		if n > 0 {
			chunk := make([]byte, 0, len(s.odd)+n)
			chunk = append(chunk, s.odd...)
			chunk = append(chunk, s.buf[:n]...)
			s.odd = s.odd[:0]
			if IsPCM(s.format.Encoding) && len(chunk)%2 == 1 {
				s.odd = append(s.odd, chunk[len(chunk)-1])
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) > 0 {
				return chunk, nil
			}
		}
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close stops the stream.
func (s *httpStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// Format returns the audio format.
func (s *httpStream) Format() AudioFormat {
	return s.format
}

// bufferStream wraps a byte slice as AudioStream, handing it out in
// chunkSize pieces. A zero chunkSize returns the whole buffer at once.
type bufferStream struct {
	data      []byte
	offset    int
	chunkSize int
	format    AudioFormat
}

// Read returns the next audio chunk.
func (s *bufferStream) Read() ([]byte, error) {
	if s.offset >= len(s.data) {
		return nil, nil
	}
	end := len(s.data)
	if s.chunkSize > 0 && s.offset+s.chunkSize < end {
		end = s.offset + s.chunkSize
	}
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk, nil
}

// Close releases resources.
func (s *bufferStream) Close() error {
	return nil
}

// Format returns the audio format.
func (s *bufferStream) Format() AudioFormat {
	return s.format
}

// ReadAll drains s. It does not close the stream.
func ReadAll(s AudioStream) ([]byte, error) {
	var out []byte
	for {
		chunk, err := s.Read()
		if err != nil {
			return out, err
		}
		if chunk == nil {
			return out, nil
		}
		out = append(out, chunk...)
	}
}
