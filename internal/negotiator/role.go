package negotiator

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/application/config"
)

// RolePolicy решает, кто отправляет offer. Обе стороны звонка обязаны
// получить противоположные роли, поэтому решение зависит только от звонка и стороны.
type RolePolicy interface {
	Assign(callID uuid.UUID, side Side) Role
}

// CallerOffers - offer всегда отправляет инициатор звонка
type CallerOffers struct{}

func (CallerOffers) Assign(_ uuid.UUID, side Side) Role {
	if side == SideCaller {
		return RoleOfferer
	}

	return RoleAnswerer
}

// CoinFlip - случайный выбор offerer'а. Генератор засевается id звонка,
// так что обе стороны бросают одну и ту же монету.
type CoinFlip struct{}

func (CoinFlip) Assign(callID uuid.UUID, side Side) Role {
	rnd := rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(callID[:8]),
		binary.BigEndian.Uint64(callID[8:]),
	))

	callerOffers := rnd.IntN(2) == 0

	if (side == SideCaller) == callerOffers {
		return RoleOfferer
	}

	return RoleAnswerer
}

// PolicyByName - значение ROLE_POLICY, по умолчанию offer отправляет инициатор
func PolicyByName(name string) RolePolicy {
	if name == config.RolePolicyCoinFlip {
		return CoinFlip{}
	}

	return CallerOffers{}
}
