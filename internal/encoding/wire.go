package encoding

import "github.com/corelog/hypercore/internal/common"

// Wire encodings for the tree and proof message types: a node is a
// varint index, a varint length and its 32 byte hash; sequences are
// varint counted.

// PreencodeNode reserves room for a node.
func (s *State) PreencodeNode(node *common.Node) {
	s.PreencodeUintVar(node.Index)
	s.PreencodeUintVar(node.Length)
	s.PreencodeFixed32()
}

// EncodeNode writes a node.
func (s *State) EncodeNode(node *common.Node, buffer []byte) error {
	if err := s.EncodeUintVar(node.Index, buffer); err != nil {
		return err
	}
	if err := s.EncodeUintVar(node.Length, buffer); err != nil {
		return err
	}
	return s.EncodeFixed32(node.Hash, buffer)
}

// DecodeNode reads a node.
func (s *State) DecodeNode(buffer []byte) (*common.Node, error) {
	index, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	length, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	hash, err := s.DecodeFixed32(buffer)
	if err != nil {
		return nil, err
	}
	return common.NewNode(index, hash, length), nil
}

// PreencodeNodes reserves room for a node sequence.
func (s *State) PreencodeNodes(nodes []*common.Node) {
	s.PreencodeUintVar(uint64(len(nodes)))
	for _, node := range nodes {
		s.PreencodeNode(node)
	}
}

// EncodeNodes writes a node sequence.
func (s *State) EncodeNodes(nodes []*common.Node, buffer []byte) error {
	if err := s.EncodeUintVar(uint64(len(nodes)), buffer); err != nil {
		return err
	}
	for _, node := range nodes {
		if err := s.EncodeNode(node, buffer); err != nil {
			return err
		}
	}
	return nil
}

// DecodeNodes reads a node sequence.
func (s *State) DecodeNodes(buffer []byte) ([]*common.Node, error) {
	count, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(buffer)) {
		return nil, errInvalidData("node count exceeds buffer")
	}
	nodes := make([]*common.Node, 0, count)
	for i := uint64(0); i < count; i++ {
		node, err := s.DecodeNode(buffer)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// PreencodeRequestBlock reserves room for a block request.
func (s *State) PreencodeRequestBlock(r *common.RequestBlock) {
	s.PreencodeUintVar(r.Index)
	s.PreencodeUintVar(r.Nodes)
}

// EncodeRequestBlock writes a block request.
func (s *State) EncodeRequestBlock(r *common.RequestBlock, buffer []byte) error {
	if err := s.EncodeUintVar(r.Index, buffer); err != nil {
		return err
	}
	return s.EncodeUintVar(r.Nodes, buffer)
}

// DecodeRequestBlock reads a block request.
func (s *State) DecodeRequestBlock(buffer []byte) (*common.RequestBlock, error) {
	index, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	nodes, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	return &common.RequestBlock{Index: index, Nodes: nodes}, nil
}

// PreencodeDataBlock reserves room for a data block.
func (s *State) PreencodeDataBlock(b *common.DataBlock) {
	s.PreencodeUintVar(b.Index)
	s.PreencodeBuffer(b.Value)
	s.PreencodeNodes(b.Nodes)
}

// EncodeDataBlock writes a data block.
func (s *State) EncodeDataBlock(b *common.DataBlock, buffer []byte) error {
	if err := s.EncodeUintVar(b.Index, buffer); err != nil {
		return err
	}
	if err := s.EncodeBuffer(b.Value, buffer); err != nil {
		return err
	}
	return s.EncodeNodes(b.Nodes, buffer)
}

// DecodeDataBlock reads a data block.
func (s *State) DecodeDataBlock(buffer []byte) (*common.DataBlock, error) {
	index, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	value, err := s.DecodeBuffer(buffer)
	if err != nil {
		return nil, err
	}
	nodes, err := s.DecodeNodes(buffer)
	if err != nil {
		return nil, err
	}
	return &common.DataBlock{Index: index, Value: value, Nodes: nodes}, nil
}

// PreencodeDataHash reserves room for a data hash.
func (s *State) PreencodeDataHash(h *common.DataHash) {
	s.PreencodeUintVar(h.Index)
	s.PreencodeNodes(h.Nodes)
}

// EncodeDataHash writes a data hash.
func (s *State) EncodeDataHash(h *common.DataHash, buffer []byte) error {
	if err := s.EncodeUintVar(h.Index, buffer); err != nil {
		return err
	}
	return s.EncodeNodes(h.Nodes, buffer)
}

// DecodeDataHash reads a data hash.
func (s *State) DecodeDataHash(buffer []byte) (*common.DataHash, error) {
	index, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	nodes, err := s.DecodeNodes(buffer)
	if err != nil {
		return nil, err
	}
	return &common.DataHash{Index: index, Nodes: nodes}, nil
}

// PreencodeDataSeek reserves room for a data seek.
func (s *State) PreencodeDataSeek(d *common.DataSeek) {
	s.PreencodeUintVar(d.Bytes)
	s.PreencodeNodes(d.Nodes)
}

// EncodeDataSeek writes a data seek.
func (s *State) EncodeDataSeek(d *common.DataSeek, buffer []byte) error {
	if err := s.EncodeUintVar(d.Bytes, buffer); err != nil {
		return err
	}
	return s.EncodeNodes(d.Nodes, buffer)
}

// DecodeDataSeek reads a data seek.
func (s *State) DecodeDataSeek(buffer []byte) (*common.DataSeek, error) {
	bytes, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	nodes, err := s.DecodeNodes(buffer)
	if err != nil {
		return nil, err
	}
	return &common.DataSeek{Bytes: bytes, Nodes: nodes}, nil
}

// PreencodeDataUpgrade reserves room for a data upgrade.
func (s *State) PreencodeDataUpgrade(u *common.DataUpgrade) {
	s.PreencodeUintVar(u.Start)
	s.PreencodeUintVar(u.Length)
	s.PreencodeNodes(u.Nodes)
	s.PreencodeNodes(u.AdditionalNodes)
	s.PreencodeBuffer(u.Signature)
}

// EncodeDataUpgrade writes a data upgrade.
func (s *State) EncodeDataUpgrade(u *common.DataUpgrade, buffer []byte) error {
	if err := s.EncodeUintVar(u.Start, buffer); err != nil {
		return err
	}
	if err := s.EncodeUintVar(u.Length, buffer); err != nil {
		return err
	}
	if err := s.EncodeNodes(u.Nodes, buffer); err != nil {
		return err
	}
	if err := s.EncodeNodes(u.AdditionalNodes, buffer); err != nil {
		return err
	}
	return s.EncodeBuffer(u.Signature, buffer)
}

// DecodeDataUpgrade reads a data upgrade.
func (s *State) DecodeDataUpgrade(buffer []byte) (*common.DataUpgrade, error) {
	start, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	length, err := s.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	nodes, err := s.DecodeNodes(buffer)
	if err != nil {
		return nil, err
	}
	additional, err := s.DecodeNodes(buffer)
	if err != nil {
		return nil, err
	}
	signature, err := s.DecodeBuffer(buffer)
	if err != nil {
		return nil, err
	}
	return &common.DataUpgrade{
		Start:           start,
		Length:          length,
		Nodes:           nodes,
		AdditionalNodes: additional,
		Signature:       signature,
	}, nil
}
