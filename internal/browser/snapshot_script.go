package browser

// snapshotScript enumerates the page's interactive surface in document order.
// Each entry carries everything the resolver scores on plus a capture-time
// selector the session can dispatch against. Elements that throw while being
// described are skipped so one bad node never aborts the capture.
func snapshotScript() string {
	return `(() => {
		const result = [];
		const interactive = 'a, button, input:not([type="hidden"]), textarea, select, summary, ' +
			'[role="button"], [role="link"], [role="menuitem"], [role="tab"], [role="option"], ' +
			'[role="checkbox"], [role="radio"], [role="textbox"], [role="combobox"], ' +
			'[contenteditable="true"], [onclick]';

		const modalRoots = [];
		for (const sel of ['[role="dialog"]', '[aria-modal="true"]', '[class*="modal"]', '[class*="dialog"]']) {
			for (const m of document.querySelectorAll(sel)) {
				const r = m.getBoundingClientRect();
				if (r.width > 0 && r.height > 0) modalRoots.push(m);
			}
		}

		const zOf = (el) => {
			let z = 0;
			let cur = el;
			while (cur && cur !== document.body) {
				const zi = parseInt(window.getComputedStyle(cur).zIndex, 10);
				if (!isNaN(zi) && zi > z) z = zi;
				cur = cur.parentElement;
			}
			for (const m of modalRoots) {
				if (m.contains(el)) z += 1000;
			}
			return z;
		};

		const directText = (el) => {
			let txt = '';
			for (const child of el.childNodes) {
				if (child.nodeType === Node.TEXT_NODE) txt += child.textContent;
			}
			txt = txt.trim();
			if (!txt) txt = (el.innerText || el.textContent || '').trim();
			if (el.tagName.toLowerCase() === 'input' && !txt) txt = el.value || '';
			return txt.replace(/\s+/g, ' ').slice(0, 200);
		};

		const cssEscape = (v) => v.replace(/["\\]/g, '\\$&');

		const buildSelector = (el) => {
			const tag = el.tagName.toLowerCase();

			for (const attr of ['data-testid', 'data-test-id', 'data-test', 'data-qa', 'data-cy']) {
				const val = el.getAttribute(attr);
				if (val) return tag + '[' + attr + '="' + cssEscape(val) + '"]';
			}

			if (el.id && /^[a-zA-Z][\w-]*$/.test(el.id)) return '#' + el.id;

			if (el.name && ['input', 'select', 'textarea', 'button'].includes(tag)) {
				return tag + '[name="' + cssEscape(el.name) + '"]';
			}

			const aria = el.getAttribute('aria-label');
			if (aria && aria.length < 80) return tag + '[aria-label="' + cssEscape(aria) + '"]';

			if (tag === 'input' && el.placeholder) {
				return 'input[placeholder="' + cssEscape(el.placeholder) + '"]';
			}

			const path = [];
			let cur = el;
			let depth = 0;
			while (cur && cur.tagName && depth < 4) {
				const t = cur.tagName.toLowerCase();
				if (cur.id && /^[a-zA-Z][\w-]*$/.test(cur.id)) {
					path.unshift('#' + cur.id);
					break;
				}
				const idx = Array.from(cur.parentNode ? cur.parentNode.children : []).indexOf(cur);
				path.unshift(idx >= 0 ? t + ':nth-child(' + (idx + 1) + ')' : t);
				cur = cur.parentElement;
				depth++;
			}
			return path.join(' > ') || tag;
		};

		const seen = new Set();
		for (const el of document.querySelectorAll(interactive)) {
			try {
				if (seen.has(el)) continue;
				seen.add(el);

				const tag = el.tagName.toLowerCase();
				const rect = el.getBoundingClientRect();
				const style = window.getComputedStyle(el);

				const visible = rect.width > 0 && rect.height > 0 &&
					style.display !== 'none' && style.visibility !== 'hidden' &&
					style.opacity !== '0';

				const attrs = {};
				if (el.type) attrs.type = el.type;
				if (el.name) attrs.name = el.name;
				if (el.href) attrs.href = String(el.href).slice(0, 120);
				if (el.getAttribute('data-testid')) attrs['data-testid'] = el.getAttribute('data-testid');

				let role = el.getAttribute('role') || '';
				if (!role) {
					if (tag === 'a') role = 'link';
					else if (tag === 'button') role = 'button';
					else if (tag === 'select') role = 'combobox';
					else if (tag === 'textarea') role = 'textbox';
					else if (tag === 'input') {
						const t = (el.type || 'text').toLowerCase();
						if (t === 'checkbox') role = 'checkbox';
						else if (t === 'radio') role = 'radio';
						else if (t === 'submit' || t === 'button') role = 'button';
						else role = 'textbox';
					}
				}

				result.push({
					tag: tag,
					role: role,
					text: directText(el),
					label: el.getAttribute('aria-label') || '',
					placeholder: el.getAttribute('placeholder') || '',
					selector: buildSelector(el),
					attributes: attrs,
					x: rect.left, y: rect.top,
					width: rect.width, height: rect.height,
					visible: visible,
					enabled: !el.disabled && el.getAttribute('aria-disabled') !== 'true',
					z: zOf(el)
				});
			} catch (e) {
				// Node detached or otherwise unreadable mid-capture; omit it.
				continue;
			}
		}
		return result;
	})()`
}
