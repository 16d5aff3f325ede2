package logengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Frame layout, little-endian:
//
//	[frameLen u32] [codec u8] [count u32] [firstOffset u64] [rawLen u32] [crc u32] [payload]
//
// frameLen counts everything after itself. crc is CRC32-Castagnoli over
// the (possibly compressed) payload. rawLen is the uncompressed payload
// size, needed by block codecs.
//
// Payload is a sequence of records:
//
//	[keyLen u32] [key] [valLen u32] [value] [timestamp u64]
//
// keyLen/valLen of nullLen encode a nil key / absent value.
const (
	frameHeaderLen = 1 + 4 + 8 + 4 + 4
	nullLen        = uint32(0xFFFFFFFF)
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func encodePayload(records []Record) []byte {
	size := 0
	for _, r := range records {
		size += 4 + len(r.Key) + 4 + len(r.Value) + 8
	}
	buf := make([]byte, 0, size)
	var scratch [8]byte
	for _, r := range records {
		if r.Key == nil {
			binary.LittleEndian.PutUint32(scratch[:4], nullLen)
			buf = append(buf, scratch[:4]...)
		} else {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(r.Key)))
			buf = append(buf, scratch[:4]...)
			buf = append(buf, r.Key...)
		}
		if !r.HasValue {
			binary.LittleEndian.PutUint32(scratch[:4], nullLen)
			buf = append(buf, scratch[:4]...)
		} else {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(r.Value)))
			buf = append(buf, scratch[:4]...)
			buf = append(buf, r.Value...)
		}
		binary.LittleEndian.PutUint64(scratch[:], uint64(r.Timestamp))
		buf = append(buf, scratch[:]...)
	}
	return buf
}

func decodePayload(buf []byte, firstOffset int64, count int) ([]Record, error) {
	records := make([]Record, 0, count)
	pos := 0
	next := func(n int) ([]byte, error) {
		if pos+n > len(buf) {
			return nil, fmt.Errorf("logengine: truncated payload at byte %d", pos)
		}
		b := buf[pos : pos+n]
		pos += n
		return b, nil
	}

	for i := 0; i < count; i++ {
		r := Record{Offset: firstOffset + int64(i)}

		b, err := next(4)
		if err != nil {
			return nil, err
		}
		if n := binary.LittleEndian.Uint32(b); n != nullLen {
			if b, err = next(int(n)); err != nil {
				return nil, err
			}
			r.Key = append([]byte(nil), b...)
		}

		if b, err = next(4); err != nil {
			return nil, err
		}
		if n := binary.LittleEndian.Uint32(b); n != nullLen {
			if b, err = next(int(n)); err != nil {
				return nil, err
			}
			r.Value = append([]byte(nil), b...)
			r.HasValue = true
		}

		if b, err = next(8); err != nil {
			return nil, err
		}
		r.Timestamp = int64(binary.LittleEndian.Uint64(b))

		records = append(records, r)
	}
	return records, nil
}

// compress returns the encoded payload and the codec actually used.
// An LZ4 block that cannot shrink the payload falls back to none; the
// other codecs always keep the requested codec.
func compress(c Compression, data []byte) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), CompressionZstd, nil
	case CompressionS2:
		return s2.Encode(nil, data), CompressionS2, nil
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var cc lz4.Compressor
		n, err := cc.CompressBlock(data, buf)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// incompressible
			return data, CompressionNone, nil
		}
		return buf[:n], CompressionLZ4, nil
	case CompressionBzip2:
		var b bytes.Buffer
		zw, err := bzip2.NewWriter(&b, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return nil, 0, fmt.Errorf("bzip2 writer: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, 0, fmt.Errorf("bzip2 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, 0, fmt.Errorf("bzip2 close: %w", err)
		}
		return b.Bytes(), CompressionBzip2, nil
	default:
		return nil, 0, fmt.Errorf("logengine: unknown compression %d", c)
	}
}

func decompress(c Compression, data []byte, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, make([]byte, 0, rawLen))
	case CompressionS2:
		return s2.Decode(make([]byte, rawLen), data)
	case CompressionLZ4:
		buf := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, buf)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return buf[:n], nil
	case CompressionBzip2:
		zr, err := bzip2.NewReader(bytes.NewReader(data), nil)
		if err != nil {
			return nil, fmt.Errorf("bzip2 reader: %w", err)
		}
		defer zr.Close()
		buf := make([]byte, 0, rawLen)
		out := bytes.NewBuffer(buf)
		if _, err := io.Copy(out, zr); err != nil {
			return nil, fmt.Errorf("bzip2 decompress: %w", err)
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("logengine: unknown compression %d", c)
	}
}

func writeFrame(w io.Writer, codec Compression, count int, firstOffset int64, rawLen int, payload []byte) (int64, error) {
	head := make([]byte, 4+frameHeaderLen)
	binary.LittleEndian.PutUint32(head[0:4], uint32(frameHeaderLen+len(payload)))
	head[4] = byte(codec)
	binary.LittleEndian.PutUint32(head[5:9], uint32(count))
	binary.LittleEndian.PutUint64(head[9:17], uint64(firstOffset))
	binary.LittleEndian.PutUint32(head[17:21], uint32(rawLen))
	binary.LittleEndian.PutUint32(head[21:25], crc32.Checksum(payload, crcTable))

	if _, err := w.Write(head); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return int64(len(head) + len(payload)), nil
}

type frameHeader struct {
	codec       Compression
	count       int
	firstOffset int64
	rawLen      int
	crc         uint32
	payloadLen  int
}

func readFrameHeader(r io.Reader) (frameHeader, error) {
	head := make([]byte, 4+frameHeaderLen)
	if _, err := io.ReadFull(r, head); err != nil {
		return frameHeader{}, err
	}
	frameLen := binary.LittleEndian.Uint32(head[0:4])
	if frameLen < frameHeaderLen {
		return frameHeader{}, fmt.Errorf("logengine: frame length %d too short", frameLen)
	}
	return frameHeader{
		codec:       Compression(head[4]),
		count:       int(binary.LittleEndian.Uint32(head[5:9])),
		firstOffset: int64(binary.LittleEndian.Uint64(head[9:17])),
		rawLen:      int(binary.LittleEndian.Uint32(head[17:21])),
		crc:         binary.LittleEndian.Uint32(head[21:25]),
		payloadLen:  int(frameLen) - frameHeaderLen,
	}, nil
}

func readFrame(r io.Reader) (frameHeader, []Record, error) {
	h, err := readFrameHeader(r)
	if err != nil {
		return frameHeader{}, nil, err
	}
	payload := make([]byte, h.payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frameHeader{}, nil, err
	}
	if crc := crc32.Checksum(payload, crcTable); crc != h.crc {
		return frameHeader{}, nil, fmt.Errorf("logengine: frame crc mismatch at offset %d", h.firstOffset)
	}
	raw, err := decompress(h.codec, payload, h.rawLen)
	if err != nil {
		return frameHeader{}, nil, err
	}
	records, err := decodePayload(raw, h.firstOffset, h.count)
	if err != nil {
		return frameHeader{}, nil, err
	}
	return h, records, nil
}
