// Package audio turns an unbounded PCM byte stream into fixed-size chunks for
// live transcription while keeping a full WAV recording on disk.
package audio
