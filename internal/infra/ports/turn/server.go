package turn

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	pionturn "github.com/pion/turn/v4"

	"github.com/qrave1/MedCall/internal/application/config"
)

// NewServer поднимает TURN на UDP и TCP одного порта.
// Принимает time-windowed креды (REST API coturn), которые раздаёт /api/ice.
func NewServer(turnCfg config.TurnServerConfig, secret string) (*pionturn.Server, error) {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(turnCfg.Port))

	tcpListener, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}

	udpListener, err := net.ListenPacket("udp4", addr)
	if err != nil {
		_ = tcpListener.Close()
		return nil, fmt.Errorf("udp listen: %w", err)
	}

	server, err := pionturn.NewServer(
		pionturn.ServerConfig{
			Realm:       turnCfg.Realm,
			AuthHandler: pionturn.NewLongTermAuthHandler(secret, nil),
			ListenerConfigs: []pionturn.ListenerConfig{
				{
					Listener:              tcpListener,
					RelayAddressGenerator: relayGenerator(turnCfg.PublicIP),
				},
			},
			PacketConnConfigs: []pionturn.PacketConnConfig{
				{
					PacketConn:            udpListener,
					RelayAddressGenerator: relayGenerator(turnCfg.PublicIP),
				},
			},
		})
	if err != nil {
		_ = tcpListener.Close()
		_ = udpListener.Close()
		return nil, fmt.Errorf("new turn server: %w", err)
	}

	slog.Info(
		"TURN server started",
		slog.String("public_ip", turnCfg.PublicIP),
		slog.Int("port", turnCfg.Port),
		slog.String("realm", turnCfg.Realm),
	)

	return server, nil
}

func relayGenerator(publicIP string) *pionturn.RelayAddressGeneratorStatic {
	return &pionturn.RelayAddressGeneratorStatic{
		RelayAddress: net.ParseIP(publicIP),
		Address:      "0.0.0.0",
	}
}
