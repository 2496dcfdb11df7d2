package core

// FileNode bundles the libp2p transport (*Node) with the replication
// Engine behind it, the same way the platform's original ContentNode
// embedded *Node to specialise it for large-content handling. It offers
// EncryptAtRest/DecryptAtRest helpers keyed by EncryptionKey, but the
// Engine does not call them: parts are stored in the KVStore exactly as
// received, since encryption at rest is out of scope for the
// replication protocol itself.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// FileNode is a P2P node running the file-replication engine.
type FileNode struct {
	*Node
	*InitService

	// EncryptionKey, if set, is used by EncryptAtRest/DecryptAtRest for
	// operators who opt into local encryption of part payloads. Nil
	// disables it.
	EncryptionKey []byte
}

// NewFileNode creates a libp2p host and wires an InitService around it.
func NewFileNode(cfg Config, index *FileIndex, logger *logrus.Logger) (*FileNode, error) {
	n, err := NewNode(cfg)
	if err != nil {
		return nil, err
	}
	pm := NewPeerManagement(n)
	return &FileNode{
		Node:        n,
		InitService: NewInitService(index, pm, logger),
	}, nil
}

// EncryptAtRest applies AES-CFB encryption to a part's bytes before
// persistence, for operators who set EncryptionKey. The digest used for
// wire verification is always computed over the plaintext; encryption is
// a local-storage concern the protocol is unaware of.
func (f *FileNode) EncryptAtRest(data []byte) ([]byte, error) {
	if f.EncryptionKey == nil {
		return data, nil
	}
	block, err := aes.NewCipher(f.EncryptionKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize+len(data))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(out[aes.BlockSize:], data)
	return out, nil
}

// DecryptAtRest reverses EncryptAtRest.
func (f *FileNode) DecryptAtRest(data []byte) ([]byte, error) {
	if f.EncryptionKey == nil {
		return data, nil
	}
	block, err := aes.NewCipher(f.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, fmt.Errorf("filenet: ciphertext too short")
	}
	iv := data[:aes.BlockSize]
	body := make([]byte, len(data)-aes.BlockSize)
	copy(body, data[aes.BlockSize:])
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(body, body)
	return body, nil
}

// Close shuts down the replication services before tearing down the
// underlying transport.
func (f *FileNode) Close() error {
	f.InitService.Shutdown()
	return f.Node.Close()
}
