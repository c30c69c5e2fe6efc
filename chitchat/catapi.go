package chitchat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
)

// catMaxRandom bounds the cache-busting `random` parameter
const catMaxRandom = 10_000_000

var errEmptyImage = errors.New("empty image")

// CatImage is a downloaded image, ready to be attached to a message
type CatImage struct {
	Data        []byte
	ContentType string
}

// CatAPI downloads random cat pictures from cataas.com
type CatAPI struct {
	upstream

	// randomInt returns the cache-busting value, in [1, catMaxRandom]
	randomInt func() int
}

func newCatAPI(u upstream) CatAPI {
	return CatAPI{
		upstream:  u,
		randomInt: func() int { return rand.Intn(catMaxRandom) + 1 },
	}
}

// Random downloads one cat image. The random query parameter keeps
// intermediaries from serving the same picture twice.
func (c CatAPI) Random(ctx context.Context) (CatImage, error) {
	query := url.Values{"random": []string{strconv.Itoa(c.randomInt())}}
	body, contentType, err := c.get(ctx, query, "image/*", maxImageBodyBytes)
	if err != nil {
		return CatImage{}, err
	}
	if len(body) == 0 {
		return CatImage{}, fmt.Errorf("%s: %w", c.name, errEmptyImage)
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return CatImage{Data: body, ContentType: contentType}, nil
}
