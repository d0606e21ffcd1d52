//go:build !protogen

package sessions

// NewProvider returns nil when the service is built without generated
// gRPC stubs. The engine treats a nil provider as "no session backend".
func NewProvider(_ string) (Provider, error) {
	return nil, nil
}
