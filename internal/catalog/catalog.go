// Package catalog содержит статический каталог продуктов и стоимость задач генерации.
// Цены и количество кредитов берутся только отсюда: данные клиента не являются доверенными.
package catalog

import (
	"errors"

	"github.com/mmeshcher/artgen-system/internal/model"
)

// ErrUnknownProduct возвращается при запросе продукта, отсутствующего в каталоге.
var ErrUnknownProduct = errors.New("unknown product")

// ErrUnknownTaskKind возвращается при запросе стоимости неизвестного типа генерации.
var ErrUnknownTaskKind = errors.New("unknown task kind")

// Product описывает продаваемый пакет кредитов.
type Product struct {
	ID         string
	Credits    int64
	PriceCents int64
	Type       model.ProductType
}

var products = map[string]Product{
	"credits-100": {
		ID:         "credits-100",
		Credits:    100,
		PriceCents: 990,
		Type:       model.ProductTypeOnce,
	},
	"credits-500": {
		ID:         "credits-500",
		Credits:    500,
		PriceCents: 3990,
		Type:       model.ProductTypeOnce,
	},
	"pro-monthly": {
		ID:         "pro-monthly",
		Credits:    1000,
		PriceCents: 6990,
		Type:       model.ProductTypeMonthly,
	},
	"pro-yearly": {
		ID:         "pro-yearly",
		Credits:    12000,
		PriceCents: 69900,
		Type:       model.ProductTypeYearly,
	},
}

var taskCosts = map[model.TaskKind]int64{
	model.TaskKindImage: 1,
	model.TaskKindVideo: 5,
}

// Find возвращает продукт по идентификатору.
func Find(productID string) (Product, error) {
	p, ok := products[productID]
	if !ok {
		return Product{}, ErrUnknownProduct
	}
	return p, nil
}

// TaskCost возвращает стоимость задачи генерации в кредитах.
func TaskCost(kind model.TaskKind) (int64, error) {
	cost, ok := taskCosts[kind]
	if !ok {
		return 0, ErrUnknownTaskKind
	}
	return cost, nil
}
