package ota

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

type tokenKind uint8

const (
	tokenObject tokenKind = iota
	tokenKey
	tokenPrimitive
	tokenString
	tokenComposite
)

type token struct {
	kind  tokenKind
	value string
}

// tokenize splits the top-level object in data into an object token followed
// by alternating key and value tokens. Nested objects and arrays are reduced
// to a single composite token. ErrTokenCapacity is returned if tokens is too
// small to hold the result.
func tokenize(data []byte, tokens []token) (int, error) {
	// prepare decoder
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	// prepare pusher
	n := 0
	push := func(kind tokenKind, value string) error {
		if n >= len(tokens) {
			return ErrTokenCapacity
		}
		tokens[n] = token{kind: kind, value: value}
		n++
		return nil
	}

	// read object start
	tok, err := dec.Token()
	if err != nil {
		return 0, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return 0, errors.New("expected object")
	}
	err = push(tokenObject, "")
	if err != nil {
		return 0, err
	}

	// read fields
	for dec.More() {
		// read key
		tok, err = dec.Token()
		if err != nil {
			return 0, err
		}
		key, ok := tok.(string)
		if !ok {
			return 0, fmt.Errorf("unexpected key %v", tok)
		}
		err = push(tokenKey, key)
		if err != nil {
			return 0, err
		}

		// read value
		tok, err = dec.Token()
		if err != nil {
			return 0, err
		}
		switch v := tok.(type) {
		case json.Delim:
			err = skipComposite(dec)
			if err == nil {
				err = push(tokenComposite, "")
			}
		case string:
			err = push(tokenString, v)
		case json.Number:
			err = push(tokenPrimitive, v.String())
		case bool:
			err = push(tokenPrimitive, strconv.FormatBool(v))
		case nil:
			err = push(tokenPrimitive, "null")
		default:
			err = fmt.Errorf("unexpected value %v", tok)
		}
		if err != nil {
			return 0, err
		}
	}

	// read object end
	_, err = dec.Token()
	if err != nil {
		return 0, err
	}

	// check trailing data
	_, err = dec.Token()
	if err != io.EOF {
		return 0, errors.New("trailing data")
	}

	return n, nil
}

func skipComposite(dec *json.Decoder) error {
	for depth := 1; depth > 0; {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
