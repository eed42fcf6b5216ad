package node

import "easyconnect/models"

// Listener receives everything the node reports outward. Callbacks must not
// call Node.Stop directly; use Node.StopAsync.
type Listener interface {
	PeerFound(peer models.Peer)
	PeerLost(address string)
	TextReceived(sender, text string)
	FileReceived(sender, fileName, path string)
	FileReceiveProgress(fileName string, received, total int64)
	SendProgress(sent, total int64)
}

// ListenerFuncs adapts optional functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnPeerFound           func(peer models.Peer)
	OnPeerLost            func(address string)
	OnTextReceived        func(sender, text string)
	OnFileReceived        func(sender, fileName, path string)
	OnFileReceiveProgress func(fileName string, received, total int64)
	OnSendProgress        func(sent, total int64)
}

func (f ListenerFuncs) PeerFound(peer models.Peer) {
	if f.OnPeerFound != nil {
		f.OnPeerFound(peer)
	}
}

func (f ListenerFuncs) PeerLost(address string) {
	if f.OnPeerLost != nil {
		f.OnPeerLost(address)
	}
}

func (f ListenerFuncs) TextReceived(sender, text string) {
	if f.OnTextReceived != nil {
		f.OnTextReceived(sender, text)
	}
}

func (f ListenerFuncs) FileReceived(sender, fileName, path string) {
	if f.OnFileReceived != nil {
		f.OnFileReceived(sender, fileName, path)
	}
}

func (f ListenerFuncs) FileReceiveProgress(fileName string, received, total int64) {
	if f.OnFileReceiveProgress != nil {
		f.OnFileReceiveProgress(fileName, received, total)
	}
}

func (f ListenerFuncs) SendProgress(sent, total int64) {
	if f.OnSendProgress != nil {
		f.OnSendProgress(sent, total)
	}
}
