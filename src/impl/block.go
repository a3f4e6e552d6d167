package impl

// DefaultBlockSize is the fixed chunk size files are split into.
const DefaultBlockSize = 4096

// Block is an immutable chunk of file content addressed by the hex SHA-256
// of its bytes.
type Block struct {
	Hash string
	Data []byte
}

func NewBlock(data []byte) Block {
	return Block{
		Hash: HashBlock(data),
		Data: data,
	}
}

func (b Block) Size() int {
	return len(b.Data)
}

// Verify rehashes the block data and compares against its stored hash.
func (b Block) Verify() error {
	return VerifyHash(b.Hash, b.Data)
}
